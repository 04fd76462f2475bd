package dispatch

// Role is the verified caller category handed in by the auth layer. The
// engine never verifies identity, only authorization against it.
type Role string

const (
	RoleCitizen    Role = "CITIZEN"
	RoleResponder  Role = "RESPONDER"
	RoleDispatcher Role = "DISPATCHER"
)

// Caller is a verified identity plus role. StationID is set for
// responders and names the station the caller operates.
type Caller struct {
	ID        string
	Role      Role
	StationID string
}
