package viewer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable subject.
var ErrInvalidIdentity = errors.New("viewer: invalid identity")

// Claims is the identity contract supplied by the authentication collaborator
// on every request.
type Claims struct {
	Subject     string
	Role        Role
	DisplayName string
	Email       string
}

// ServiceConfig describes the dependencies required for the identity directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maintains the directory of viewer identities observed on requests.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("viewer: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Record upserts the identity carried by validated claims and returns the
// stored profile. Display fields refresh when the claims carry newer values.
func (s *Service) Record(claims Claims) (Identity, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	var identity Identity
	err := s.db.
		Where("subject = ?", subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Subject:     subject,
			Role:        claims.Role,
			DisplayName: normalize(claims.DisplayName),
			Email:       normalize(claims.Email),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		updates := map[string]interface{}{}
		if claims.Role != "" && claims.Role != identity.Role {
			updates["role"] = claims.Role
			identity.Role = claims.Role
		}
		if display := normalize(claims.DisplayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
			identity.DisplayName = display
		}
		if email := normalize(claims.Email); email != "" && email != identity.Email {
			updates["email"] = email
			identity.Email = email
		}
		updates["last_seen_at"] = s.now()
		if err := s.db.Model(&Identity{}).
			Where("subject = ?", subject).
			Updates(updates).
			Error; err != nil {
			return Identity{}, err
		}
	}

	s.cache.Store(subject, identity)
	return identity, nil
}

// Lookup returns the stored identity for a subject, preferring the in-process
// cache populated by Record.
func (s *Service) Lookup(subject string) (Identity, error) {
	subject = normalize(subject)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(subject); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}
	var identity Identity
	if err := s.db.Where("subject = ?", subject).First(&identity).Error; err != nil {
		return Identity{}, err
	}
	s.cache.Store(subject, identity)
	return identity, nil
}
