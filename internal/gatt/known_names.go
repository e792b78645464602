package gatt

// Hand-maintained name table for the UUIDs this stack actually encounters.
// Keyed by normalized UUID.

const (
	// ServiceSteamController is the Steam Controller's vendor input service.
	ServiceSteamController = "100f6c3217354313b40238567131e5f3"
	// CharacteristicInputReports carries notification frames with input reports.
	CharacteristicInputReports = "100f6c3317354313b40238567131e5f3"
	// CharacteristicSteamMode switches the controller into its fast-report mode.
	CharacteristicSteamMode = "100f6c3417354313b40238567131e5f3"

	// DescriptorCCCD is the Client Characteristic Configuration descriptor
	// used to enable notifications.
	DescriptorCCCD = "2902"
)

var knownServices = map[string]string{
	"1800":                 "Generic Access",
	"1801":                 "Generic Attribute",
	"180a":                 "Device Information",
	"180f":                 "Battery Service",
	"1812":                 "Human Interface Device",
	ServiceSteamController: "Steam Controller",
}

var knownCharacteristics = map[string]string{
	"2a00":                     "Device Name",
	"2a01":                     "Appearance",
	"2a19":                     "Battery Level",
	"2a4d":                     "Report",
	CharacteristicInputReports: "Steam Controller Input Reports",
	CharacteristicSteamMode:    "Steam Controller Mode Control",
}

var knownDescriptors = map[string]string{
	"2900":         "Characteristic Extended Properties",
	"2901":         "Characteristic User Description",
	DescriptorCCCD: "Client Characteristic Configuration",
	"2908":         "Report Reference",
}

// LookupService returns the human name for a service UUID, or "" if unknown.
func LookupService(uuid string) string {
	return knownServices[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the human name for a characteristic UUID.
func LookupCharacteristic(uuid string) string {
	return knownCharacteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the human name for a descriptor UUID.
func LookupDescriptor(uuid string) string {
	return knownDescriptors[NormalizeUUID(uuid)]
}
