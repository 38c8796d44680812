package validation

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
)

func TestResultMerge(t *testing.T) {
	a := OK().
		AddError(Issue{Field: "name", Code: CodeTypeMismatch, Message: "name has type int, want string"}).
		AddWarning(Issue{Field: "age", Message: "age is unusually high"}).
		SetMeta("schema", "person").
		SetMeta("shared", 1)
	b := OK().
		AddError(Issue{Field: "email", Code: CodeFieldMissing, Message: "email is missing"}).
		SetMeta("shared", 2)

	merged := a.Merge(b)
	if merged.Valid {
		t.Fatal("merged result should be invalid")
	}
	if len(merged.Errors) != 2 || len(merged.Warnings) != 1 {
		t.Fatalf("got %d errors, %d warnings", len(merged.Errors), len(merged.Warnings))
	}
	if merged.Errors[0].Field != "name" || merged.Errors[1].Field != "email" {
		t.Fatalf("error order not preserved: %+v", merged.Errors)
	}
	if merged.Metadata["shared"] != 2 {
		t.Fatalf("metadata should be right-biased, got %v", merged.Metadata["shared"])
	}
	if merged.Metadata["schema"] != "person" {
		t.Fatalf("left metadata lost: %v", merged.Metadata)
	}

	// Merge must not touch its operands.
	if len(a.Errors) != 1 || len(b.Errors) != 1 {
		t.Fatal("merge modified an operand")
	}
	if a.Metadata["shared"] != 1 {
		t.Fatal("merge modified left metadata")
	}
}

func TestResultMergeNilOperands(t *testing.T) {
	var missing *Result
	r := Invalid(Issue{Message: "broken"})

	if got := missing.Merge(r); !reflect.DeepEqual(got, r) {
		t.Fatalf("nil receiver should act as identity, got %+v", got)
	}
	if got := r.Merge(nil); !reflect.DeepEqual(got, r) {
		t.Fatalf("nil argument should act as identity, got %+v", got)
	}
}

func TestMergeAll(t *testing.T) {
	got := MergeAll(
		OK().SetMeta("step", 1),
		Invalid(Issue{Message: "first"}),
		OK().AddWarning(Issue{Message: "heads up"}).SetMeta("step", 3),
	)
	if got.Valid {
		t.Fatal("expected invalid")
	}
	if len(got.Errors) != 1 || len(got.Warnings) != 1 {
		t.Fatalf("got %d errors, %d warnings", len(got.Errors), len(got.Warnings))
	}
	if got.Metadata["step"] != 3 {
		t.Fatalf("metadata = %v", got.Metadata)
	}
}

func TestResultClone(t *testing.T) {
	orig := Invalid(Issue{Field: "id", Message: "id is missing"}).SetMeta("schema", "person")
	clone := orig.Clone()
	if !reflect.DeepEqual(clone, orig) {
		t.Fatalf("clone differs: %+v vs %+v", clone, orig)
	}
	clone.AddError(Issue{Message: "extra"}).SetMeta("schema", "other")
	if len(orig.Errors) != 1 || orig.Metadata["schema"] != "person" {
		t.Fatal("mutating the clone leaked into the original")
	}
}

func TestResultErr(t *testing.T) {
	if err := OK().Err(); err != nil {
		t.Fatalf("valid result produced error %v", err)
	}

	res := Invalid(
		Issue{Field: "name", Message: "name is too short"},
		Issue{Field: "age", Message: "age above maximum"},
	)
	err := res.Err()
	if err == nil {
		t.Fatal("invalid result must produce an error")
	}
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidError, got %T", err)
	}
	if len(invalid.Issues) != 2 {
		t.Fatalf("got %d issues", len(invalid.Issues))
	}
	msg := err.Error()
	if !strings.Contains(msg, "name is too short") || !strings.Contains(msg, "1 more") {
		t.Fatalf("unexpected message %q", msg)
	}

	// The classifier must file it as a validation error so it is never
	// retried.
	classified := errhandling.Classify(err)
	if classified.Type != errhandling.ErrTypeValidation {
		t.Fatalf("classified as %s", classified.Type)
	}
	if classified.Retryable() {
		t.Fatal("validation errors must not be retryable")
	}
}

func TestIssueString(t *testing.T) {
	withField := Issue{Field: "user.email", Message: "bad format"}
	if got := withField.String(); got != "user.email: bad format" {
		t.Fatalf("got %q", got)
	}
	bare := Issue{Message: "record rejected"}
	if got := bare.String(); got != "record rejected" {
		t.Fatalf("got %q", got)
	}
}
