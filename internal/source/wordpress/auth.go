package wordpress

import "strings"

// DefaultUsername is assumed when the credential does not name a user.
const DefaultUsername = "admin"

// ResolveCredentials derives the basic-auth pair from the configured values.
//
// An explicit username always wins. Otherwise the credential is inspected:
// several space-separated groups of four characters look like a generated
// application password and are used as-is under DefaultUsername; a
// credential with exactly one space is read as "username password"; anything
// else is the password for DefaultUsername. The heuristic is ambiguous (a
// two-group application password also contains exactly one space and is
// treated as an application password), so callers should set a username.
func ResolveCredentials(username, credential string) (string, string) {
	if username != "" {
		return username, credential
	}

	if isApplicationPassword(credential) {
		return DefaultUsername, credential
	}

	if strings.Count(credential, " ") == 1 {
		user, pass, _ := strings.Cut(credential, " ")
		if user != "" && pass != "" {
			return user, pass
		}
	}

	return DefaultUsername, credential
}

func isApplicationPassword(credential string) bool {
	parts := strings.Split(credential, " ")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if len(p) != 4 {
			return false
		}
	}
	return true
}
