// Package credentials holds the shared secrets exchanged between the hub
// and its spokes: the hub key, each spoke's uc_key and the per-spoke read
// tokens. Values live in the credentials key-value table; the hub keeps
// one pairing row per spoke.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"tmon/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	KeyHub       = "hub_key"
	KeyUC        = "uc_key"
	KeyReadToken = "read_token"
	KeyHubURL    = "hub_url"
)

var (
	ErrNotFound     = errors.New("credential not found")
	ErrInvalidInput = errors.New("site_url and uc_key required")
)

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Equal compares two secrets in constant time. An empty stored secret
// never matches.
func Equal(stored, given string) bool {
	if stored == "" || given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

// GenerateToken returns 32 random bytes hex-encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Store) Get(ctx context.Context, name string) (string, error) {
	var c models.Credential
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

func (s *Store) Set(ctx context.Context, name, value string) error {
	return set(s.db.WithContext(ctx), name, value, s.now())
}

func set(tx *gorm.DB, name, value string, at time.Time) error {
	c := models.Credential{Name: name, Value: value, UpdatedAt: at}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&c).Error
}

// ---------- hub side ----------

// EnsureHubKey returns the hub's single shared key, creating it on first use.
func (s *Store) EnsureHubKey(ctx context.Context) (string, error) {
	k, err := s.Get(ctx, KeyHub)
	if err == nil && k != "" {
		return k, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	tok, err := GenerateToken()
	if err != nil {
		return "", err
	}
	// two concurrent first pairings: the loser's key is discarded
	c := models.Credential{Name: KeyHub, Value: tok, UpdatedAt: s.now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&c).Error; err != nil {
		return "", err
	}
	return s.Get(ctx, KeyHub)
}

// Pair records (or re-records) a spoke. Every pairing issues a fresh read
// token; the hub key is shared by all spokes.
func (s *Store) Pair(ctx context.Context, siteURL, ucKey string) (models.Pairing, string, error) {
	site := models.NormalizeSiteURL(siteURL)
	ucKey = strings.TrimSpace(ucKey)
	if site == "" || ucKey == "" {
		return models.Pairing{}, "", ErrInvalidInput
	}
	hubKey, err := s.EnsureHubKey(ctx)
	if err != nil {
		return models.Pairing{}, "", err
	}
	read, err := GenerateToken()
	if err != nil {
		return models.Pairing{}, "", err
	}
	p := models.Pairing{SiteURL: site, UCKey: ucKey, ReadToken: read, PairedAt: s.now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&p).Error; err != nil {
		return models.Pairing{}, "", err
	}
	return p, hubKey, nil
}

func (s *Store) PairingFor(ctx context.Context, siteURL string) (models.Pairing, error) {
	var p models.Pairing
	err := s.db.WithContext(ctx).Where("site_url = ?", models.NormalizeSiteURL(siteURL)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return p, ErrNotFound
	}
	return p, err
}

func (s *Store) Pairings(ctx context.Context) ([]models.Pairing, error) {
	var out []models.Pairing
	err := s.db.WithContext(ctx).Order("site_url").Find(&out).Error
	return out, err
}

// ReadTokenValid reports whether token matches any spoke's read token.
// Every pairing is compared so timing does not depend on which one matched.
func (s *Store) ReadTokenValid(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	ps, err := s.Pairings(ctx)
	if err != nil {
		return false
	}
	ok := false
	for _, p := range ps {
		if Equal(p.ReadToken, token) {
			ok = true
		}
	}
	return ok
}

// ---------- spoke side ----------

// Spoke is what a spoke keeps after pairing with its hub.
type Spoke struct {
	HubURL    string
	HubKey    string
	ReadToken string
	UCKey     string
}

func (c Spoke) Paired() bool { return c.HubKey != "" && c.UCKey != "" }

func (s *Store) SaveSpoke(ctx context.Context, c Spoke) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for name, v := range map[string]string{
			KeyHubURL:    strings.TrimRight(strings.TrimSpace(c.HubURL), "/"),
			KeyHub:       c.HubKey,
			KeyReadToken: c.ReadToken,
			KeyUC:        c.UCKey,
		} {
			if err := set(tx, name, v, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Spoke loads the pairing state; missing values come back empty.
func (s *Store) Spoke(ctx context.Context) (Spoke, error) {
	var rows []models.Credential
	err := s.db.WithContext(ctx).
		Where("name IN ?", []string{KeyHubURL, KeyHub, KeyReadToken, KeyUC}).
		Find(&rows).Error
	if err != nil {
		return Spoke{}, err
	}
	var c Spoke
	for _, r := range rows {
		switch r.Name {
		case KeyHubURL:
			c.HubURL = r.Value
		case KeyHub:
			c.HubKey = r.Value
		case KeyReadToken:
			c.ReadToken = r.Value
		case KeyUC:
			c.UCKey = r.Value
		}
	}
	return c, nil
}
