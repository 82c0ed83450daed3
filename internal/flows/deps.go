package flows

// Deps groups flow dependency sets. The Engine builds this once at Build time
// and delegates each request to the matching flow.
type Deps struct {
	Login   LoginDeps
	Refresh RefreshDeps
	Logout  LogoutDeps
}
