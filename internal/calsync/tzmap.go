package calsync

// TimezoneTable maps provider-namespace timezone identifiers (Windows display
// zones, the odd tzone:// URI Graph emits) to canonical IANA names. It is
// built once at startup and passed by reference into adapters; lookups on an
// unknown identifier fall back to the raw value so a sync never fails on an
// unmapped zone.
type TimezoneTable struct {
	aliases map[string]string
}

func (t *TimezoneTable) Canonical(id string) string {
	if t == nil || id == "" {
		return id
	}
	if canonical, ok := t.aliases[id]; ok {
		return canonical
	}
	return id
}

// NewWindowsTimezoneTable covers the Windows zones Graph hands out for
// originalStartTimeZone/originalEndTimeZone, per the CLDR windowsZones
// mapping, plus Graph's proprietary UTC URI.
func NewWindowsTimezoneTable() *TimezoneTable {
	return &TimezoneTable{aliases: map[string]string{
		"tzone://Microsoft/Utc":           "UTC",
		"UTC":                             "UTC",
		"Dateline Standard Time":          "Etc/GMT+12",
		"Hawaiian Standard Time":          "Pacific/Honolulu",
		"Alaskan Standard Time":           "America/Anchorage",
		"Pacific Standard Time":           "America/Los_Angeles",
		"US Mountain Standard Time":       "America/Phoenix",
		"Mountain Standard Time":          "America/Denver",
		"Central America Standard Time":   "America/Guatemala",
		"Central Standard Time":           "America/Chicago",
		"SA Pacific Standard Time":        "America/Bogota",
		"Eastern Standard Time":           "America/New_York",
		"US Eastern Standard Time":        "America/Indiana/Indianapolis",
		"Venezuela Standard Time":         "America/Caracas",
		"Paraguay Standard Time":          "America/Asuncion",
		"Atlantic Standard Time":          "America/Halifax",
		"SA Western Standard Time":        "America/La_Paz",
		"Newfoundland Standard Time":      "America/St_Johns",
		"E. South America Standard Time":  "America/Sao_Paulo",
		"Argentina Standard Time":         "America/Argentina/Buenos_Aires",
		"SA Eastern Standard Time":        "America/Cayenne",
		"Greenland Standard Time":         "America/Nuuk",
		"Montevideo Standard Time":        "America/Montevideo",
		"Azores Standard Time":            "Atlantic/Azores",
		"Cape Verde Standard Time":        "Atlantic/Cape_Verde",
		"Morocco Standard Time":           "Africa/Casablanca",
		"GMT Standard Time":               "Europe/London",
		"Greenwich Standard Time":         "Atlantic/Reykjavik",
		"W. Europe Standard Time":         "Europe/Berlin",
		"Central Europe Standard Time":    "Europe/Budapest",
		"Romance Standard Time":           "Europe/Paris",
		"Central European Standard Time":  "Europe/Warsaw",
		"W. Central Africa Standard Time": "Africa/Lagos",
		"Jordan Standard Time":            "Asia/Amman",
		"GTB Standard Time":               "Europe/Bucharest",
		"Middle East Standard Time":       "Asia/Beirut",
		"Egypt Standard Time":             "Africa/Cairo",
		"South Africa Standard Time":      "Africa/Johannesburg",
		"FLE Standard Time":               "Europe/Kiev",
		"Israel Standard Time":            "Asia/Jerusalem",
		"Kaliningrad Standard Time":       "Europe/Kaliningrad",
		"Arabic Standard Time":            "Asia/Baghdad",
		"Arab Standard Time":              "Asia/Riyadh",
		"Belarus Standard Time":           "Europe/Minsk",
		"Russian Standard Time":           "Europe/Moscow",
		"E. Africa Standard Time":         "Africa/Nairobi",
		"Iran Standard Time":              "Asia/Tehran",
		"Arabian Standard Time":           "Asia/Dubai",
		"Caucasus Standard Time":          "Asia/Yerevan",
		"Afghanistan Standard Time":       "Asia/Kabul",
		"Pakistan Standard Time":          "Asia/Karachi",
		"India Standard Time":             "Asia/Kolkata",
		"Sri Lanka Standard Time":         "Asia/Colombo",
		"Nepal Standard Time":             "Asia/Kathmandu",
		"Central Asia Standard Time":      "Asia/Almaty",
		"Bangladesh Standard Time":        "Asia/Dhaka",
		"Myanmar Standard Time":           "Asia/Yangon",
		"SE Asia Standard Time":           "Asia/Bangkok",
		"China Standard Time":             "Asia/Shanghai",
		"North Asia Standard Time":        "Asia/Krasnoyarsk",
		"Singapore Standard Time":         "Asia/Singapore",
		"W. Australia Standard Time":      "Australia/Perth",
		"Taipei Standard Time":            "Asia/Taipei",
		"Ulaanbaatar Standard Time":       "Asia/Ulaanbaatar",
		"Tokyo Standard Time":             "Asia/Tokyo",
		"Korea Standard Time":             "Asia/Seoul",
		"Cen. Australia Standard Time":    "Australia/Adelaide",
		"AUS Central Standard Time":       "Australia/Darwin",
		"E. Australia Standard Time":      "Australia/Brisbane",
		"AUS Eastern Standard Time":       "Australia/Sydney",
		"Tasmania Standard Time":          "Australia/Hobart",
		"Vladivostok Standard Time":       "Asia/Vladivostok",
		"West Pacific Standard Time":      "Pacific/Port_Moresby",
		"Central Pacific Standard Time":   "Pacific/Guadalcanal",
		"Fiji Standard Time":              "Pacific/Fiji",
		"New Zealand Standard Time":       "Pacific/Auckland",
		"Tonga Standard Time":             "Pacific/Tongatapu",
		"Samoa Standard Time":             "Pacific/Apia",
	}}
}
