package domain

// Profile is the authoritative record for a username. Username is immutable
// once created.
type Profile struct {
	Username         string
	FirstName        string
	LastName         string
	ProfilePictureID string
}
