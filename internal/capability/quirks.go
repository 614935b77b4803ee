package capability

// brightnessOnDPID3 lists product IDs whose firmware reports brightness on
// DPID 3 instead of color temperature. This is the single place where
// product-specific quirks live; every read/write site resolves roles through
// the model produced here rather than re-interpreting DPIDs ad hoc.
//
// Color temperature is the default for unrecognized products, historically
// the more common assignment.
var brightnessOnDPID3 = map[string]bool{
	"d50v0i": true,
	"a2hgw1": true,
	"ies1y3": true,
}

// BrightnessOnDPID3 reports whether DPID 3 carries brightness for the given
// product ID.
func BrightnessOnDPID3(pid string) bool {
	return brightnessOnDPID3[pid]
}
