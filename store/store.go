package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// ErrUserNotFound is returned by GetUser when no record exists for the subject.
var ErrUserNotFound = errors.New("user not found")

// Store persists users keyed by their federated subject id.
type Store interface {
	// UpsertUser creates a user or updates the profile fields that attrs
	// writes, leaving the rest untouched. It must be atomic per subject id.
	UpsertUser(ctx context.Context, attrs UserAttributes) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	Close() error
}

// TargetArea is one region the user is interested in.
type TargetArea struct {
	City     string `json:"city" bson:"city"`
	District string `json:"district" bson:"district"`
	Dong     string `json:"dong" bson:"dong"`
	Priority int    `json:"priority" bson:"priority"`
}

// UserAttributes is the subset of identity claims persisted on login.
type UserAttributes struct {
	ID                  string       `json:"id" bson:"_id"`
	Email               *string      `json:"email" bson:"email"`
	FirstName           *string      `json:"firstName" bson:"first_name"`
	LastName            *string      `json:"lastName" bson:"last_name"`
	ProfileImageURL     *string      `json:"profileImageUrl" bson:"profile_image_url"`
	Nickname            *string      `json:"nickname" bson:"nickname"`
	ResidenceCity       *string      `json:"residenceCity" bson:"residence_city"`
	ResidenceDistrict   *string      `json:"residenceDistrict" bson:"residence_district"`
	ResidenceDong       *string      `json:"residenceDong" bson:"residence_dong"`
	TargetAreas         []TargetArea `json:"targetAreas" bson:"target_areas"`
	PurchaseTimeline    *int         `json:"purchaseTimeline" bson:"purchase_timeline"`
	AvailableFunds      *string      `json:"availableFunds" bson:"available_funds"`
	FamilyTypes         []string     `json:"familyTypes" bson:"family_types"`
	Interests           []string     `json:"interests" bson:"interests"`
	OnboardingCompleted *bool        `json:"onboardingCompleted" bson:"onboarding_completed"`

	// Fields names the profile fields an upsert writes. Nil writes all of
	// them; a field that is listed but nil is cleared.
	Fields []string `json:"-" bson:"-"`
}

// Profile field names. They double as claim keys, SQL columns and bson keys.
const (
	FieldEmail               = "email"
	FieldFirstName           = "first_name"
	FieldLastName            = "last_name"
	FieldProfileImageURL     = "profile_image_url"
	FieldNickname            = "nickname"
	FieldResidenceCity       = "residence_city"
	FieldResidenceDistrict   = "residence_district"
	FieldResidenceDong       = "residence_dong"
	FieldTargetAreas         = "target_areas"
	FieldPurchaseTimeline    = "purchase_timeline"
	FieldAvailableFunds      = "available_funds"
	FieldFamilyTypes         = "family_types"
	FieldInterests           = "interests"
	FieldOnboardingCompleted = "onboarding_completed"
)

// ProfileFields lists every writable profile field in column order.
var ProfileFields = []string{
	FieldEmail, FieldFirstName, FieldLastName, FieldProfileImageURL, FieldNickname,
	FieldResidenceCity, FieldResidenceDistrict, FieldResidenceDong, FieldTargetAreas,
	FieldPurchaseTimeline, FieldAvailableFunds, FieldFamilyTypes, FieldInterests,
	FieldOnboardingCompleted,
}

// Writes reports whether an upsert of a should write field.
func (a UserAttributes) Writes(field string) bool {
	return a.Fields == nil || slices.Contains(a.Fields, field)
}

// written returns the fields an upsert of a writes.
func (a UserAttributes) written() []string {
	if a.Fields == nil {
		return ProfileFields
	}
	out := make([]string, 0, len(a.Fields))
	for _, f := range ProfileFields {
		if a.Writes(f) {
			out = append(out, f)
		}
	}
	return out
}

// mergeInto copies the fields a writes onto dst and returns the result with
// Fields cleared.
func (a UserAttributes) mergeInto(dst UserAttributes) UserAttributes {
	dst.ID = a.ID
	dst.Fields = nil
	if a.Writes(FieldEmail) {
		dst.Email = a.Email
	}
	if a.Writes(FieldFirstName) {
		dst.FirstName = a.FirstName
	}
	if a.Writes(FieldLastName) {
		dst.LastName = a.LastName
	}
	if a.Writes(FieldProfileImageURL) {
		dst.ProfileImageURL = a.ProfileImageURL
	}
	if a.Writes(FieldNickname) {
		dst.Nickname = a.Nickname
	}
	if a.Writes(FieldResidenceCity) {
		dst.ResidenceCity = a.ResidenceCity
	}
	if a.Writes(FieldResidenceDistrict) {
		dst.ResidenceDistrict = a.ResidenceDistrict
	}
	if a.Writes(FieldResidenceDong) {
		dst.ResidenceDong = a.ResidenceDong
	}
	if a.Writes(FieldTargetAreas) {
		dst.TargetAreas = a.TargetAreas
	}
	if a.Writes(FieldPurchaseTimeline) {
		dst.PurchaseTimeline = a.PurchaseTimeline
	}
	if a.Writes(FieldAvailableFunds) {
		dst.AvailableFunds = a.AvailableFunds
	}
	if a.Writes(FieldFamilyTypes) {
		dst.FamilyTypes = a.FamilyTypes
	}
	if a.Writes(FieldInterests) {
		dst.Interests = a.Interests
	}
	if a.Writes(FieldOnboardingCompleted) {
		dst.OnboardingCompleted = a.OnboardingCompleted
	}
	return dst
}

// User is a stored user record.
type User struct {
	UserAttributes `bson:",inline"`
	CreatedAt      time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" bson:"updated_at"`
}

// AttributesFromClaims maps identity provider claims onto the stored profile
// attributes. Only claims that are present are written: a null claim clears
// the field, an absent or mistyped one leaves the stored value alone.
func AttributesFromClaims(claims map[string]any) UserAttributes {
	attrs := UserAttributes{
		ID:                  claimString(claims, "sub"),
		Email:               optString(claims, FieldEmail),
		FirstName:           optString(claims, FieldFirstName),
		LastName:            optString(claims, FieldLastName),
		ProfileImageURL:     optString(claims, FieldProfileImageURL),
		Nickname:            optString(claims, FieldNickname),
		ResidenceCity:       optString(claims, FieldResidenceCity),
		ResidenceDistrict:   optString(claims, FieldResidenceDistrict),
		ResidenceDong:       optString(claims, FieldResidenceDong),
		AvailableFunds:      optString(claims, FieldAvailableFunds),
		FamilyTypes:         optStrings(claims, FieldFamilyTypes),
		Interests:           optStrings(claims, FieldInterests),
		PurchaseTimeline:    optInt(claims, FieldPurchaseTimeline),
		OnboardingCompleted: optBool(claims, FieldOnboardingCompleted),
		Fields:              []string{},
	}
	areasOK := false
	if raw, ok := claims[FieldTargetAreas]; ok && raw != nil {
		// Claims arrive as generic JSON; round-trip to get typed areas.
		if b, err := json.Marshal(raw); err == nil {
			var areas []TargetArea
			if json.Unmarshal(b, &areas) == nil {
				attrs.TargetAreas = areas
				areasOK = true
			}
		}
	}

	for _, f := range ProfileFields {
		raw, ok := claims[f]
		if !ok {
			continue
		}
		if raw == nil || claimTyped(attrs, f, areasOK) {
			attrs.Fields = append(attrs.Fields, f)
		}
	}
	return attrs
}

// claimTyped reports whether a present, non-null claim decoded into its field.
func claimTyped(attrs UserAttributes, field string, areasOK bool) bool {
	switch field {
	case FieldEmail:
		return attrs.Email != nil
	case FieldFirstName:
		return attrs.FirstName != nil
	case FieldLastName:
		return attrs.LastName != nil
	case FieldProfileImageURL:
		return attrs.ProfileImageURL != nil
	case FieldNickname:
		return attrs.Nickname != nil
	case FieldResidenceCity:
		return attrs.ResidenceCity != nil
	case FieldResidenceDistrict:
		return attrs.ResidenceDistrict != nil
	case FieldResidenceDong:
		return attrs.ResidenceDong != nil
	case FieldTargetAreas:
		return areasOK
	case FieldPurchaseTimeline:
		return attrs.PurchaseTimeline != nil
	case FieldAvailableFunds:
		return attrs.AvailableFunds != nil
	case FieldFamilyTypes:
		return attrs.FamilyTypes != nil
	case FieldInterests:
		return attrs.Interests != nil
	case FieldOnboardingCompleted:
		return attrs.OnboardingCompleted != nil
	}
	return false
}

func claimString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func optString(claims map[string]any, key string) *string {
	v, ok := claims[key].(string)
	if !ok {
		return nil
	}
	return &v
}

func optStrings(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func optInt(claims map[string]any, key string) *int {
	var n int
	switch v := claims[key].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case int64:
		n = int(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil
		}
		n = int(i)
	default:
		return nil
	}
	return &n
}

func optBool(claims map[string]any, key string) *bool {
	v, ok := claims[key].(bool)
	if !ok {
		return nil
	}
	return &v
}
