package capability

import "strings"

// Platform is an operating system name as used in capabilities.
type Platform string

const (
	PlatformAny     Platform = "ANY"
	PlatformWindows Platform = "WINDOWS"
	PlatformMac     Platform = "MAC"
	PlatformUnix    Platform = "UNIX"
	PlatformLinux   Platform = "LINUX"
)

// families maps a platform to the broader platform it belongs to.
var families = map[Platform]Platform{
	"XP":     PlatformWindows,
	"VISTA":  PlatformWindows,
	"WIN8":   PlatformWindows,
	"WIN8_1": PlatformWindows,
	"WIN10":  PlatformWindows,

	"SNOW_LEOPARD":  PlatformMac,
	"MOUNTAIN_LION": PlatformMac,
	"MAVERICKS":     PlatformMac,
	"YOSEMITE":      PlatformMac,
	"EL_CAPITAN":    PlatformMac,
	"SIERRA":        PlatformMac,
	"IOS":           PlatformMac,

	PlatformLinux: PlatformUnix,
	"ANDROID":     PlatformLinux,
}

var aliases = map[string]Platform{
	"WINDOWS_XP":    "XP",
	"WINDOWS_VISTA": "VISTA",
	"WINDOWS_8":     "WIN8",
	"WINDOWS_8.1":   "WIN8_1",
	"WINDOWS_10":    "WIN10",
	"OS_X":          PlatformMac,
	"MACOS":         PlatformMac,
	"DARWIN":        PlatformMac,
}

// ParsePlatform normalises a capability value: case-insensitive, spaces and
// dashes folded to underscores, well-known spellings mapped to canonical names.
func ParsePlatform(s string) Platform {
	n := strings.ToUpper(strings.TrimSpace(s))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	if p, ok := aliases[n]; ok {
		return p
	}
	return Platform(n)
}

// Family returns the platform p belongs to, or "" for a root platform.
func (p Platform) Family() Platform {
	return families[p]
}

// Is reports whether p satisfies a requirement for other: the same platform,
// ANY, or a member of other's family at any depth.
func (p Platform) Is(other Platform) bool {
	if p == other || other == PlatformAny {
		return true
	}
	for f := p.Family(); f != ""; f = f.Family() {
		if f == other {
			return true
		}
	}
	return false
}
