// Package validation provides input validation functions.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidFolder is returned when a folder name cannot map to a directory
	ErrInvalidFolder = errors.New("invalid folder: must be 1-255 characters, no path separators, not hidden")
	// ErrInvalidShortID is returned when a short id is not adjective-noun shaped
	ErrInvalidShortID = errors.New("invalid id: must look like adjective-noun")
	// ErrInvalidAccount is returned when the account is not a usable email address
	ErrInvalidAccount = errors.New("invalid account: must be a valid email address")
)

const (
	maxFolderLength = 255

	// RFC 5321 local-part and RFC 1035 domain limits
	maxLocalPartLength = 64
	maxDomainLength    = 253
)

var (
	shortIDPattern = regexp.MustCompile(`^[a-z]+-[a-z]+$`)

	localPartPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?$`)

	// Labels: 1-63 chars, alphanumeric and hyphen, not starting/ending with hyphen
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Folder checks that a folder name is safe to use as a single directory name
func Folder(name string) error {
	if name == "" || len(name) > maxFolderLength {
		return ErrInvalidFolder
	}
	if strings.HasPrefix(name, ".") {
		return ErrInvalidFolder
	}
	if strings.ContainsAny(name, "/\\:\x00") {
		return ErrInvalidFolder
	}
	return nil
}

// ShortID checks that an id has the adjective-noun form handed out by the pool
func ShortID(id string) error {
	if !shortIDPattern.MatchString(id) {
		return ErrInvalidShortID
	}
	return nil
}

// Account checks that an account is an email address with a valid domain
func Account(account string) error {
	account = strings.TrimSpace(account)

	local, domain, ok := strings.Cut(account, "@")
	if !ok || local == "" || len(local) > maxLocalPartLength {
		return ErrInvalidAccount
	}
	if !localPartPattern.MatchString(local) || strings.Contains(local, "..") {
		return ErrInvalidAccount
	}

	domain = strings.ToLower(domain)
	if len(domain) == 0 || len(domain) > maxDomainLength || !domainPattern.MatchString(domain) {
		return ErrInvalidAccount
	}
	return nil
}
