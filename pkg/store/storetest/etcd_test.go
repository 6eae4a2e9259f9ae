//go:build integration

package storetest

import (
	"context"
	"net"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/server/v3/embed"

	"slotgrid/pkg/store"
)

// TestEtcdManagerContract runs against ETCD_ENDPOINTS when set and against
// an embedded single-member cluster otherwise.
func TestEtcdManagerContract(t *testing.T) {
	endpoints := etcdEndpoints(t)
	Run(t, func(t *testing.T) store.Store {
		m, err := store.NewEtcdManager(endpoints,
			store.WithNamespace("/slotgrid-test/"+uuid.NewString()),
			store.WithDialTimeout(5*time.Second))
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.Delete(ctx, "/")
			_ = m.Close()
		})
		return m
	})
}

func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	if env := os.Getenv("ETCD_ENDPOINTS"); env != "" {
		return strings.Split(env, ",")
	}

	client, peer := localURL(t), localURL(t)
	cfg := embed.NewConfig()
	cfg.Name = "storetest"
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case err := <-e.Err():
		t.Fatalf("embedded etcd failed: %v", err)
	case <-time.After(30 * time.Second):
		e.Server.Stop()
		t.Fatal("embedded etcd did not become ready")
	}
	return []string{client.String()}
}

// localURL reserves a loopback port for the embedded cluster.
func localURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return url.URL{Scheme: "http", Host: addr}
}
