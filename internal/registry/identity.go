package registry

import "time"

// Identity is one registered resident as stored in the registry.
type Identity struct {
	ID           string    `json:"id"`
	FullName     string    `json:"fullName"`
	Phone        string    `json:"phone"`
	DOB          string    `json:"dob"`
	CPF          string    `json:"cpf"`
	Email        string    `json:"email"`
	RegisteredAt time.Time `json:"timestamp"`
}

// RegisterInput carries the registration form fields.
type RegisterInput struct {
	FullName string
	Phone    string
	DOB      string
	CPF      string
	Email    string
}
