// Package bledb resolves Bluetooth SIG assigned UUIDs to their common
// names. The tables cover the services, characteristics, and descriptors
// a GATT proxy meets in practice; unknown UUIDs resolve to "".
package bledb

import "strings"

// NormalizeUUID converts a UUID string to canonical form: lowercase hex
// without dashes, braces, or a 0x prefix. UUIDs on the Bluetooth SIG base
// (0000xxxx-0000-1000-8000-00805f9b34fb) are collapsed to their 16-bit
// short form.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(uuid)
	s = strings.Trim(s, "{}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// ExpandUUID converts a 16-bit short form to the full 128-bit canonical
// text on the SIG base. Already-long UUIDs pass through normalized.
func ExpandUUID(uuid string) string {
	s := NormalizeUUID(uuid)
	if len(s) == 4 {
		return "0000" + s + sigBaseSuffix
	}
	return s
}

const sigBaseSuffix = "00001000800000805f9b34fb"

// LookupService returns the assigned name of a SIG service UUID.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the assigned name of a SIG characteristic UUID.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the assigned name of a SIG descriptor UUID.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"1819": "Location and Navigation",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"181d": "Weight Scale",
	"1826": "Fitness Machine",
	"fe59": "Nordic DFU",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a02": "Peripheral Privacy Flag",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a23": "System ID",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a6e": "Temperature",
	"2aa6": "Central Address Resolution",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Description",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
}
