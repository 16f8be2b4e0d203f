package workflow

import (
	"context"
	"fmt"

	"ensemble-matcher/auth"
	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

// Role selects which side of an application a listing is for.
type Role string

// Listing roles.
const (
	AsApplicant Role = "applicant"
	AsAuthor    Role = "author"
)

// ListApplications returns the caller's applications, newest first. As the
// author it returns applications received on the caller's postings,
// optionally narrowed to one posting.
func (e *Engine) ListApplications(ctx context.Context, role Role, postingID string) ([]ensemble.Application, error) {
	uid, ok := auth.UserFrom(ctx)
	if !ok {
		return nil, newError(Unauthenticated, "sign-in required", nil)
	}

	var where []store.Filter
	switch role {
	case AsApplicant, "":
		where = append(where, store.Eq("applicantId", uid))
	case AsAuthor:
		where = append(where, store.Eq("postingAuthorId", uid))
	default:
		return nil, newError(InvalidArgument, fmt.Sprintf("unknown role %q", role), nil)
	}
	if postingID != "" {
		where = append(where, store.Eq("postingId", postingID))
	}

	docs, err := e.reader.Query(ctx, store.Query{
		Collection: ensemble.Applications,
		Where:      where,
		OrderBy:    "appliedAt",
		Desc:       true,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("query applications: %w", err))
	}
	apps, err := decodeApplications(docs)
	if err != nil {
		return nil, classify(err)
	}
	return apps, nil
}
