package app

// DomainError is a typed failure carrying the HTTP status and stable error
// code it maps to. Errors without a domain mapping surface as SERVER_ERROR.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	return e.Code + ": " + e.Message
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}
