package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSQLiteTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "users.db")
	s, err := OpenSQL(context.Background(), DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { return newRedisTestStore(t) },
		"sqlite": func(t *testing.T) Store { return newSQLiteTestStore(t) },
	}
	if dsn := os.Getenv("AUTHGW_TEST_MYSQL_DSN"); dsn != "" {
		factories["mysql"] = func(t *testing.T) Store {
			s, err := OpenSQL(context.Background(), DialectMySQL, dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	if uri := os.Getenv("AUTHGW_TEST_MONGO_URI"); uri != "" {
		factories["mongo"] = func(t *testing.T) Store {
			s, err := OpenMongo(context.Background(), uri, "authgw_test_"+time.Now().Format("150405"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return factories
}

func TestStoreUpsertAndGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			timeline := 6
			done := true
			attrs := UserAttributes{
				ID:                  "user-1",
				Email:               strPtr("user@example.com"),
				FirstName:           strPtr("Local"),
				TargetAreas:         []TargetArea{{City: "Seoul", District: "Gangnam", Dong: "Yeoksam", Priority: 1}},
				PurchaseTimeline:    &timeline,
				FamilyTypes:         []string{"single"},
				OnboardingCompleted: &done,
			}

			created, err := s.UpsertUser(ctx, attrs)
			require.NoError(t, err)
			assert.Equal(t, "user-1", created.ID)

			got, err := s.GetUser(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, "user@example.com", *got.Email)
			assert.Equal(t, "Local", *got.FirstName)
			assert.Nil(t, got.LastName)
			require.Len(t, got.TargetAreas, 1)
			assert.Equal(t, "Gangnam", got.TargetAreas[0].District)
			require.NotNil(t, got.PurchaseTimeline)
			assert.Equal(t, 6, *got.PurchaseTimeline)
			require.NotNil(t, got.OnboardingCompleted)
			assert.True(t, *got.OnboardingCompleted)
			assert.Equal(t, []string{"single"}, got.FamilyTypes)
			assert.Nil(t, got.Interests)
		})
	}
}

func TestStoreUpsertReplacesAttributesAndKeepsCreatedAt(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			first, err := s.UpsertUser(ctx, UserAttributes{ID: "user-2", Email: strPtr("old@example.com"), Nickname: strPtr("nick")})
			require.NoError(t, err)

			second, err := s.UpsertUser(ctx, UserAttributes{ID: "user-2", Email: strPtr("new@example.com")})
			require.NoError(t, err)

			assert.Equal(t, "new@example.com", *second.Email)
			assert.Nil(t, second.Nickname, "attributes without a field list replace every field")
			assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "created_at must survive updates")
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			_, err := s.GetUser(context.Background(), "nobody")
			assert.True(t, errors.Is(err, ErrUserNotFound), "got %v", err)
		})
	}
}

func TestStoreRejectsEmptyID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := factory(t).UpsertUser(context.Background(), UserAttributes{})
			assert.Error(t, err)
		})
	}
}

func TestStoreConcurrentUpsertsSameSubject(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make(chan error, 10)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.UpsertUser(ctx, UserAttributes{ID: "racer", Email: strPtr("racer@example.com")})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, err := s.GetUser(ctx, "racer")
			require.NoError(t, err)
			assert.Equal(t, "racer@example.com", *got.Email)
		})
	}
}

func TestAttributesFromClaims(t *testing.T) {
	claims := map[string]any{
		"sub":                  "abc",
		"email":                "a@example.com",
		"first_name":           "First",
		"last_name":            "Last",
		"nickname":             nil,
		"purchase_timeline":    float64(12),
		"family_types":         []any{"couple", 3, "single"},
		"interests":            []string{"subscription"},
		"onboarding_completed": false,
		"target_areas":         []any{
			map[string]any{"city": "Seoul", "district": "Seocho", "dong": "Banpo", "priority": float64(1)},
		},
	}

	attrs := AttributesFromClaims(claims)
	assert.Equal(t, "abc", attrs.ID)
	assert.Equal(t, "a@example.com", *attrs.Email)
	assert.Nil(t, attrs.Nickname)
	require.NotNil(t, attrs.PurchaseTimeline)
	assert.Equal(t, 12, *attrs.PurchaseTimeline)
	assert.Equal(t, []string{"couple", "single"}, attrs.FamilyTypes)
	assert.Equal(t, []string{"subscription"}, attrs.Interests)
	require.NotNil(t, attrs.OnboardingCompleted)
	assert.False(t, *attrs.OnboardingCompleted)
	require.Len(t, attrs.TargetAreas, 1)
	assert.Equal(t, "Banpo", attrs.TargetAreas[0].Dong)
}

func TestOpenDefaultsToMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), Options{}, logger)
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)
}

func TestOpenUnknownDriverFailsFast(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	start := time.Now()
	_, err := Open(context.Background(), Options{Driver: "cassandra"}, logger)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpenSQLite(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dsn := "file:" + filepath.Join(t.TempDir(), "open.db")
	s, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: dsn}, logger)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.UpsertUser(context.Background(), UserAttributes{ID: "x"})
	require.NoError(t, err)
}

func TestStoreClaimsUpsertKeepsProfileFields(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			done := true
			timeline := 12
			_, err := s.UpsertUser(ctx, UserAttributes{
				ID:                  "u1",
				Email:               strPtr("old@example.com"),
				Nickname:            strPtr("Homeowner"),
				ResidenceCity:       strPtr("Seoul"),
				TargetAreas:         []TargetArea{{City: "Seoul", District: "Mapo", Priority: 1}},
				PurchaseTimeline:    &timeline,
				Interests:           []string{"resale"},
				OnboardingCompleted: &done,
			})
			require.NoError(t, err)

			updated, err := s.UpsertUser(ctx, AttributesFromClaims(map[string]any{
				"sub":        "u1",
				"email":      "new@example.com",
				"first_name": "Kim",
				"interests":  nil,
			}))
			require.NoError(t, err)
			assert.Empty(t, updated.Fields)

			for _, got := range []*User{updated, mustGetUser(t, s, "u1")} {
				assert.Equal(t, "new@example.com", *got.Email)
				assert.Equal(t, "Kim", *got.FirstName)
				require.NotNil(t, got.Nickname)
				assert.Equal(t, "Homeowner", *got.Nickname)
				require.NotNil(t, got.ResidenceCity)
				assert.Equal(t, "Seoul", *got.ResidenceCity)
				require.Len(t, got.TargetAreas, 1)
				assert.Equal(t, "Mapo", got.TargetAreas[0].District)
				require.NotNil(t, got.PurchaseTimeline)
				assert.Equal(t, 12, *got.PurchaseTimeline)
				require.NotNil(t, got.OnboardingCompleted)
				assert.True(t, *got.OnboardingCompleted)
				assert.Nil(t, got.Interests, "a null claim clears the field")
			}
		})
	}
}

func TestStoreClaimsUpsertCreatesUser(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			created, err := s.UpsertUser(context.Background(), AttributesFromClaims(map[string]any{
				"sub":   "fresh",
				"email": "fresh@example.com",
			}))
			require.NoError(t, err)
			assert.Equal(t, "fresh@example.com", *created.Email)
			assert.Nil(t, created.Nickname)
			assert.Nil(t, created.OnboardingCompleted)
		})
	}
}

func TestAttributesFromClaimsWritesPresentFieldsOnly(t *testing.T) {
	attrs := AttributesFromClaims(map[string]any{
		"sub":               "abc",
		"email":             "a@example.com",
		"nickname":          nil,
		"purchase_timeline": "soon",
		"target_areas":      []any{map[string]any{"city": "Busan"}},
	})
	assert.ElementsMatch(t, []string{FieldEmail, FieldNickname, FieldTargetAreas}, attrs.Fields)
	assert.True(t, attrs.Writes(FieldNickname))
	assert.False(t, attrs.Writes(FieldPurchaseTimeline), "mistyped claims are not written")
	assert.False(t, attrs.Writes(FieldOnboardingCompleted))
	assert.True(t, UserAttributes{ID: "x"}.Writes(FieldOnboardingCompleted), "nil Fields writes everything")
}

func TestUpsertStatementUpdatesWrittenColumns(t *testing.T) {
	stmt := upsertStatement(DialectSQLite, []string{FieldEmail})
	assert.Contains(t, stmt, "email = excluded.email")
	assert.NotContains(t, stmt, "nickname = excluded.nickname")
	assert.Contains(t, stmt, "updated_at = excluded.updated_at")

	stmt = upsertStatement(DialectMySQL, nil)
	assert.Contains(t, stmt, "ON DUPLICATE KEY UPDATE\n\tupdated_at = VALUES(updated_at)")
}

func mustGetUser(t *testing.T, s Store, id string) *User {
	t.Helper()
	u, err := s.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}
