package models

import "strings"

// Account is a registered user known to the review server.
type Account struct {
	ID             int64    `json:"id" toml:"id"`
	Username       string   `json:"username" toml:"username"`
	FullName       string   `json:"full_name" toml:"full_name"`
	PreferredEmail string   `json:"preferred_email" toml:"preferred_email"`
	Emails         []string `json:"emails" toml:"emails"`
}

// HasEmail reports whether email is one of the account's verified addresses.
func (a *Account) HasEmail(email string) bool {
	for _, e := range a.Emails {
		if strings.EqualFold(e, email) {
			return true
		}
	}
	return false
}

// NameEmail formats the account as "Full Name <email>".
func (a *Account) NameEmail() string {
	if a.FullName == "" {
		return a.PreferredEmail
	}
	return a.FullName + " <" + a.PreferredEmail + ">"
}
