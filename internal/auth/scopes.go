package auth

// Known OAuth scopes used by the query API.
const (
	ScopeJourneysRead = "journeys:read"
)
