package proxy

import "strings"

// Route is where a classified statement is dispatched.
type Route int

const (
	RouteRead Route = iota
	RouteWrite
)

// Classify applies the Read/Write classifier from §4.7: DDL and mutating
// DML are Writes; a plain SELECT is a Read. Per §9's Open Question
// resolution, ambiguous statements (SELECT ... FOR UPDATE, CALL) are
// treated as Writes, and so is any statement whose leading keyword is not
// listed below (SHOW, SET, BEGIN, ...).
func Classify(statement string) Route {
	s := strings.TrimSpace(statement)
	// Strip a leading comment block, a common client habit (ORM hints).
	for strings.HasPrefix(s, "/*") {
		if end := strings.Index(s, "*/"); end >= 0 {
			s = strings.TrimSpace(s[end+2:])
		} else {
			break
		}
	}

	upper := strings.ToUpper(s)
	word := firstWord(upper)

	switch word {
	case "INSERT", "UPDATE", "DELETE", "REPLACE",
		"CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME",
		"CALL", "LOCK", "GRANT", "REVOKE":
		return RouteWrite
	case "SELECT":
		if strings.Contains(upper, "FOR UPDATE") || strings.Contains(upper, "FOR SHARE") {
			return RouteWrite
		}
		return RouteRead
	default:
		// Unrecognised statement shape: conservative default is Write,
		// matching the ambiguous-statement resolution in §9.
		return RouteWrite
	}
}

func firstWord(s string) string {
	s = strings.TrimLeft(s, "( ")
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '(' {
			return s[:i]
		}
	}
	return s
}
