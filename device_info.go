package adb

import "strings"

// DeviceInfo is the identity a device announces in its CONNECT banner,
// e.g. "device::ro.product.name=NAME;ro.product.model=MODEL;features=a,b;".
type DeviceInfo struct {
	// State is the connection-level state: "device", "recovery",
	// "sideload" or "bootloader".
	State string
	// Product, model, and device are empty for older devices that send a
	// bare banner.
	Product string
	Model   string
	Device  string
	// Features advertised by adbd, e.g. "shell_v2", "stat_v2".
	Features []string
	// Banner is the raw banner string, without the trailing NUL.
	Banner string
}

// SupportsFeature reports whether the device advertised the named feature.
func (d DeviceInfo) SupportsFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

func parseBanner(payload []byte) DeviceInfo {
	banner := strings.TrimRight(string(payload), "\x00")
	info := DeviceInfo{Banner: banner}

	parts := strings.SplitN(banner, "::", 2)
	info.State = parts[0]
	if len(parts) < 2 {
		return info
	}

	attrs := parseBannerAttributes(strings.Split(parts[1], ";"))
	info.Product = attrs["ro.product.name"]
	info.Model = attrs["ro.product.model"]
	info.Device = attrs["ro.product.device"]
	if features := attrs["features"]; features != "" {
		info.Features = strings.Split(features, ",")
	}
	return info
}

func parseBannerAttributes(fields []string) map[string]string {
	attrs := map[string]string{}
	for _, field := range fields {
		key, val := parseKeyVal(field)
		if key != "" {
			attrs[key] = val
		}
	}
	return attrs
}

// Parses a key=val pair and returns key, val.
func parseKeyVal(pair string) (string, string) {
	split := strings.SplitN(pair, "=", 2)
	if len(split) != 2 {
		return "", ""
	}
	return split[0], split[1]
}
