package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Reserved capability keys. Everything else lives in Capabilities.Extra.
const (
	KeyPlatform    = "platform"
	KeyBrowserName = "browserName"
	KeyVersion     = "version"
)

// Capabilities describes what a slot provides or what a client requires.
// On the wire it is a flat JSON object of string values.
type Capabilities struct {
	Platform    string
	BrowserName string
	Version     string
	Extra       map[string]string
}

// Get returns the value stored under key, reserved or not.
func (c *Capabilities) Get(key string) string {
	if c == nil {
		return ""
	}
	switch key {
	case KeyPlatform:
		return c.Platform
	case KeyBrowserName:
		return c.BrowserName
	case KeyVersion:
		return c.Version
	}
	return c.Extra[key]
}

// Set stores value under key.
func (c *Capabilities) Set(key, value string) {
	switch key {
	case KeyPlatform:
		c.Platform = value
	case KeyBrowserName:
		c.BrowserName = value
	case KeyVersion:
		c.Version = value
	default:
		if c.Extra == nil {
			c.Extra = make(map[string]string)
		}
		c.Extra[key] = value
	}
}

// Keys lists every key with a non-empty value, sorted.
func (c *Capabilities) Keys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, 3+len(c.Extra))
	for k, v := range c.asMap() {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (c *Capabilities) Clone() *Capabilities {
	if c == nil {
		return nil
	}
	out := &Capabilities{Platform: c.Platform, BrowserName: c.BrowserName, Version: c.Version}
	if len(c.Extra) > 0 {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func (c *Capabilities) asMap() map[string]string {
	m := make(map[string]string, 3+len(c.Extra))
	for k, v := range c.Extra {
		m[k] = v
	}
	m[KeyPlatform] = c.Platform
	m[KeyBrowserName] = c.BrowserName
	m[KeyVersion] = c.Version
	return m
}

func (c Capabilities) String() string {
	keys := c.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c.Get(k))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalJSON writes the flat representation, omitting empty values.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	m := make(map[string]string)
	for k, v := range c.asMap() {
		if v != "" {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts a flat object. Non-string values are kept in their
// JSON text form so that e.g. {"javascriptEnabled": true} still matches "true".
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode capabilities: %w", err)
	}
	*c = Capabilities{}
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		if s == "null" {
			continue
		}
		c.Set(k, s)
	}
	return nil
}
