package memstore

import "fmt"

// ConstraintError mirrors a database constraint violation.
type ConstraintError struct {
	Kind       string
	Constraint string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("memstore: %s constraint violated: %s", e.Kind, e.Constraint)
}

func errUnique(constraint string) error {
	return &ConstraintError{Kind: "unique", Constraint: constraint}
}

func errCheck(constraint string) error {
	return &ConstraintError{Kind: "check", Constraint: constraint}
}

func errForeignKey(constraint string) error {
	return &ConstraintError{Kind: "foreign key", Constraint: constraint}
}
