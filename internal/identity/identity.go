package identity

import (
	"regexp"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/classpulse/classpulse/internal/errors"
)

type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Identity is the stable (course, participant, role) triple every request
// resolves to. ParticipantID keys the response maps.
type Identity struct {
	Course        string
	ParticipantID string
	Role          Role
}

type claims struct {
	Course string `json:"course"`
	PID    string `json:"pid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Config struct {
	// SecretKey signs identity tokens (HS256).
	SecretKey string
	// TTL bounds token validity. Zero means the default of 24 hours.
	TTL time.Duration
}

// Resolver issues and verifies signed identity tokens.
type Resolver struct {
	secret []byte
	ttl    time.Duration
}

func NewResolver(c Config) *Resolver {
	ttl := c.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	return &Resolver{
		secret: []byte(c.SecretKey),
		ttl:    ttl,
	}
}

// Issue signs a token for the given identity.
func (r *Resolver) Issue(id Identity) (string, error) {
	now := time.Now()
	c := claims{
		Course: id.Course,
		PID:    id.ParticipantID,
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(r.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(r.secret)
}

// Resolve verifies a token and returns the identity it carries.
func (r *Resolver) Resolve(token string) (Identity, error) {
	t, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid identity token"),
			errors.WithCause(err))
	}

	c, ok := t.Claims.(*claims)
	if !ok || !t.Valid {
		return Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid identity token"))
	}

	role := Role(c.Role)
	if role != RoleInstructor && role != RoleStudent {
		return Identity{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("unknown role %q", c.Role))
	}

	return Identity{
		Course:        c.Course,
		ParticipantID: c.PID,
		Role:          role,
	}, nil
}

// PID format: A followed by 8 digits.
var pidPattern = regexp.MustCompile(`^A\d{8}$`)

func ValidPID(pid string) bool {
	return pidPattern.MatchString(pid)
}

var pidInText = regexp.MustCompile(`\bA\d{8}\b`)

// StripPIDs redacts participant ids embedded in free text.
func StripPIDs(text string) string {
	return pidInText.ReplaceAllString(text, "[PID]")
}
