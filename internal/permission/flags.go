// Package permission implements bitmask-based authorization. A role claim
// carries a Flag value whose bits each grant an independent capability; a
// check passes when every requested bit is present in at least one claim.
package permission

// Flag is a permission bitmask. Bit positions are part of the storage
// contract: stored claims depend on them, so values are never renumbered.
type Flag uint64

const (
	AnonymousAccess       Flag = 0x1
	GetInfo               Flag = 0x2
	ChangePassword        Flag = 0x4
	ViewParkingLocations  Flag = 0x8
	CreateParkingLocation Flag = 0x10
	UpdateParkingLocation Flag = 0x20
	DeleteParkingLocation Flag = 0x40
	ManageParkingZones    Flag = 0x80
	ViewRates             Flag = 0x100
	ManageRates           Flag = 0x200
	ViewReports           Flag = 0x400
	ManageUsers           Flag = 0x800
	ManageRoles           Flag = 0x1000

	// Administrator is a sentinel that satisfies every check. It is matched
	// by an explicit branch, never by bitwise intersection with the request.
	Administrator Flag = 1 << 63
)

// Composite grants assigned to stock roles.
const (
	NormalUser Flag = AnonymousAccess | GetInfo | ChangePassword |
		ViewParkingLocations | ViewRates

	Operator Flag = NormalUser | CreateParkingLocation | UpdateParkingLocation |
		ManageParkingZones | ManageRates | ViewReports
)

// Satisfies reports whether a single claim grants the required flags.
// The administrator branch comes first so the bypass stays auditable.
func Satisfies(claim, required Flag) bool {
	if claim&Administrator != 0 {
		return true
	}
	return claim&required == required
}

var flagNames = map[Flag]string{
	AnonymousAccess:       "anonymous_access",
	GetInfo:               "get_info",
	ChangePassword:        "change_password",
	ViewParkingLocations:  "view_parking_locations",
	CreateParkingLocation: "create_parking_location",
	UpdateParkingLocation: "update_parking_location",
	DeleteParkingLocation: "delete_parking_location",
	ManageParkingZones:    "manage_parking_zones",
	ViewRates:             "view_rates",
	ManageRates:           "manage_rates",
	ViewReports:           "view_reports",
	ManageUsers:           "manage_users",
	ManageRoles:           "manage_roles",
	Administrator:         "administrator",
}

// String names single flags for logs and audit records. Composite values
// render as a hex literal.
func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 0, 18)
	buf = append(buf, '0', 'x')
	started := false
	for shift := 60; shift >= 0; shift -= 4 {
		d := byte(f>>uint(shift)) & 0xf
		if d == 0 && !started && shift != 0 {
			continue
		}
		started = true
		buf = append(buf, hexdigits[d])
	}
	return string(buf)
}
