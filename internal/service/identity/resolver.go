package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	model "github.com/zhouzirui/care-relay/backend/internal/model/identity"
	"github.com/zhouzirui/care-relay/backend/internal/store"
)

var (
	// ErrNoCredential means the request carried neither role cookie.
	ErrNoCredential = errors.New("no credential")
	// ErrAmbiguousCredential means the request carried both role cookies.
	ErrAmbiguousCredential = errors.New("ambiguous credential")
	// ErrRejected means the credential does not name a known participant.
	ErrRejected = errors.New("credential rejected")
)

// Credential is the raw token presented for one role.
type Credential struct {
	Role  model.Role
	Token string
}

// Resolver turns a credential into a verified identity. It has no side effects.
type Resolver interface {
	Resolve(ctx context.Context, cred Credential) (model.Identity, error)
}

// ProfileResolver accepts tokens that are UUIDv4 ids of an existing profile of the claimed role.
type ProfileResolver struct {
	profiles store.ProfileStore
}

// NewProfileResolver builds a resolver backed by profiles.
func NewProfileResolver(profiles store.ProfileStore) *ProfileResolver {
	return &ProfileResolver{profiles: profiles}
}

// Resolve implements Resolver.
func (r *ProfileResolver) Resolve(ctx context.Context, cred Credential) (model.Identity, error) {
	if !cred.Role.Valid() {
		return model.Identity{}, ErrRejected
	}

	id, err := uuid.Parse(cred.Token)
	if err != nil || id.Version() != 4 {
		return model.Identity{}, ErrRejected
	}

	profile, err := r.profiles.FindProfile(ctx, cred.Role, id.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Identity{}, ErrRejected
		}
		return model.Identity{}, errors.Wrap(err, "resolve identity")
	}
	return profile.Identity(), nil
}

// CookieNames maps each role to the cookie carrying its credential.
type CookieNames struct {
	Caregiver string
	Recipient string
}

// CredentialFromRequest extracts the single role cookie of r.
func CredentialFromRequest(r *http.Request, names CookieNames) (Credential, error) {
	caregiver := cookieValue(r, names.Caregiver)
	recipient := cookieValue(r, names.Recipient)

	switch {
	case caregiver != "" && recipient != "":
		return Credential{}, ErrAmbiguousCredential
	case caregiver != "":
		return Credential{Role: model.RoleCaregiver, Token: caregiver}, nil
	case recipient != "":
		return Credential{Role: model.RoleRecipient, Token: recipient}, nil
	default:
		return Credential{}, ErrNoCredential
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// Authenticator resolves the identity behind an HTTP request, once per request.
type Authenticator struct {
	resolver Resolver
	cookies  CookieNames
}

// NewAuthenticator combines cookie extraction with resolver.
func NewAuthenticator(resolver Resolver, cookies CookieNames) *Authenticator {
	return &Authenticator{resolver: resolver, cookies: cookies}
}

// Authenticate returns the verified identity of r.
func (a *Authenticator) Authenticate(r *http.Request) (model.Identity, error) {
	cred, err := CredentialFromRequest(r, a.cookies)
	if err != nil {
		return model.Identity{}, err
	}
	return a.resolver.Resolve(r.Context(), cred)
}

// IsAuthFailure reports whether err means the caller is not authenticated,
// as opposed to the resolver being unavailable.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrNoCredential) || errors.Is(err, ErrAmbiguousCredential) || errors.Is(err, ErrRejected)
}

// FailureReason is a short label for metrics and logs.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoCredential):
		return "no_credential"
	case errors.Is(err, ErrAmbiguousCredential):
		return "ambiguous_credential"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "resolver_error"
	}
}
