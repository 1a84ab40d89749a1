package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SlugLength is the length of generated identifiers.
const SlugLength = 8

const (
	slugAlphabet    = "-_ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxSlugAttempts = 16
)

// ErrDuplicate is returned when an insert violates a unique constraint other
// than the generated primary key.
var ErrDuplicate = errors.New("repository: duplicate record")

var newSlug = NewSlug

// NewSlug returns a random URL-safe identifier of SlugLength characters.
func NewSlug() (string, error) {
	buf := make([]byte, SlugLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate slug: %w", err)
	}
	for i, b := range buf {
		buf[i] = slugAlphabet[int(b)%len(slugAlphabet)]
	}
	return string(buf), nil
}

// insert creates record inside a savepoint so a constraint violation leaves an
// enclosing transaction usable. Requires gorm.Config.TranslateError.
func insert(ctx context.Context, db *gorm.DB, record interface{}) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Omit(clause.Associations).Create(record).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// insertWithSlug assigns a fresh slug through setID and inserts record. A
// primary-key collision draws a new slug; any other duplicate is returned.
func insertWithSlug(ctx context.Context, db *gorm.DB, record interface{}, setID func(string)) error {
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		slug, err := newSlug()
		if err != nil {
			return err
		}
		setID(slug)

		err = insert(ctx, db, record)
		if !errors.Is(err, ErrDuplicate) {
			return err
		}

		var taken int64
		if err := db.WithContext(ctx).Model(record).Where("id = ?", slug).Count(&taken).Error; err != nil {
			return err
		}
		if taken == 0 {
			setID("")
			return err
		}
	}
	setID("")
	return fmt.Errorf("generate slug: no free identifier after %d attempts", maxSlugAttempts)
}
