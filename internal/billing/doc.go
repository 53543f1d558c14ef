// Package billing provides configuration-backed stand-ins for the account
// system: tier lookup for admission and upgrade checkout links.
package billing
