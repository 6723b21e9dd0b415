package scheme

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) (*database.Service, func()) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	service, err := database.NewServiceFromDB(db, true)
	if err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}
	return service, func() { db.Close() }
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("Invalid decimal %q: %v", s, err)
	}
	return d
}

func newScheme(t *testing.T, st *database.Service, name string, kind models.SchemeKind, scope models.ServiceType, priority int) *models.Scheme {
	t.Helper()
	sch, err := st.CreateScheme(context.Background(), &models.Scheme{
		Name:     name,
		Kind:     kind,
		Scope:    scope,
		Priority: priority,
	})
	if err != nil {
		t.Fatalf("CreateScheme %s failed: %v", name, err)
	}
	return sch
}

func mapScheme(t *testing.T, st *database.Service, entityId string, role models.EntityRole, schemeId string, priority int) {
	t.Helper()
	_, err := st.CreateMapping(context.Background(), store.CreateMappingParams{
		EntityId:   entityId,
		EntityRole: role,
		SchemeId:   schemeId,
		Priority:   priority,
	})
	if err != nil {
		t.Fatalf("CreateMapping for %s failed: %v", entityId, err)
	}
}

func TestResolve_EntitySpecificBeatsInheritedRegardlessOfPriority(t *testing.T) {
	st, cleanup := newTestStore(t)
	defer cleanup()
	resolver := NewResolver(st)

	// Entity mapping has a far worse priority number than the
	// distributor's; the narrower level must still win.
	entityScheme := newScheme(t, st, "entity scheme", models.SchemeCustom, models.ServiceAll, 0)
	distScheme := newScheme(t, st, "distributor scheme", models.SchemeTierDefault, models.ServiceAll, 0)
	mapScheme(t, st, "rt1", models.RoleRetailer, entityScheme.Id, 900)
	mapScheme(t, st, "dt1", models.RoleDistributor, distScheme.Id, 1)

	resolved, err := resolver.Resolve(context.Background(), ResolveRequest{
		EntityId:      "rt1",
		EntityRole:    models.RoleRetailer,
		Scope:         models.ServiceBillPayment,
		DistributorId: "dt1",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.SchemeId != entityScheme.Id {
		t.Errorf("Expected entity scheme %s, got %s", entityScheme.Id, resolved.SchemeId)
	}
	if resolved.ResolvedVia != models.LevelEntity {
		t.Errorf("Expected resolved_via entity, got %s", resolved.ResolvedVia)
	}
}

func TestResolve_GlobalFallbackWithoutAnyMapping(t *testing.T) {
	st, cleanup := newTestStore(t)
	defer cleanup()
	resolver := NewResolver(st)

	global := newScheme(t, st, "global default", models.SchemeGlobal, models.ServiceAll, 1000)

	resolved, err := resolver.Resolve(context.Background(), ResolveRequest{
		EntityId:   "rt1",
		EntityRole: models.RoleRetailer,
		Scope:      models.ServiceBillPayment,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.SchemeId != global.Id {
		t.Errorf("Expected global scheme %s, got %s", global.Id, resolved.SchemeId)
	}
	if resolved.ResolvedVia != models.LevelGlobal {
		t.Errorf("Expected resolved_via global, got %s", resolved.ResolvedVia)
	}
}

func TestResolve_HierarchyWalkFallsBackUpward(t *testing.T) {
	st, cleanup := newTestStore(t)
	defer cleanup()
	resolver := NewResolver(st)

	distScheme := newScheme(t, st, "distributor scheme", models.SchemeTierDefault, models.ServiceAll, 10)
	masterScheme := newScheme(t, st, "master scheme", models.SchemeTierDefault, models.ServiceAll, 1)
	mapScheme(t, st, "dt1", models.RoleDistributor, distScheme.Id, 10)
	mapScheme(t, st, "md1", models.RoleMasterDistributor, masterScheme.Id, 1)

	resolved, err := resolver.Resolve(context.Background(), ResolveRequest{
		EntityId:            "rt1",
		EntityRole:          models.RoleRetailer,
		Scope:               models.ServicePayout,
		DistributorId:       "dt1",
		MasterDistributorId: "md1",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// Distributor level is narrower than master-distributor even though
	// the master mapping has the better priority number.
	if resolved.SchemeId != distScheme.Id {
		t.Errorf("Expected distributor scheme %s, got %s", distScheme.Id, resolved.SchemeId)
	}
	if resolved.ResolvedVia != models.LevelDistributor {
		t.Errorf("Expected resolved_via distributor, got %s", resolved.ResolvedVia)
	}
}

func TestResolve_SkipsInactiveAndExpiredSchemes(t *testing.T) {
	st, cleanup := newTestStore(t)
	defer cleanup()
	resolver := NewResolver(st)
	ctx := context.Background()

	inactive := newScheme(t, st, "retired", models.SchemeCustom, models.ServiceAll, 1)
	mapScheme(t, st, "rt1", models.RoleRetailer, inactive.Id, 1)
	if err := st.DeactivateScheme(ctx, inactive.Id); err != nil {
		t.Fatalf("DeactivateScheme failed: %v", err)
	}

	global := newScheme(t, st, "global", models.SchemeGlobal, models.ServiceAll, 1000)

	resolved, err := resolver.Resolve(ctx, ResolveRequest{
		EntityId:   "rt1",
		EntityRole: models.RoleRetailer,
		Scope:      models.ServiceBillPayment,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.SchemeId != global.Id {
		t.Errorf("Expected fall-through to global %s, got %s", global.Id, resolved.SchemeId)
	}
}

func TestResolve_ScopeMismatchExcluded(t *testing.T) {
	st, cleanup := newTestStore(t)
	defer cleanup()
	resolver := NewResolver(st)

	payoutOnly := newScheme(t, st, "payout only", models.SchemeGlobal, models.ServicePayout, 10)
	_ = payoutOnly

	_, err := resolver.Resolve(context.Background(), ResolveRequest{
		EntityId:   "rt1",
		EntityRole: models.RoleRetailer,
		Scope:      models.ServiceBillPayment,
	})
	if !errors.Is(err, store.ErrNoSchemeResolved) {
		t.Fatalf("Expected ErrNoSchemeResolved, got: %v", err)
	}
}

func TestResolve_NoCandidateIsHardStop(t *testing.T) {
	st, cleanup := newTestStore(t)
	defer cleanup()
	resolver := NewResolver(st)

	_, err := resolver.Resolve(context.Background(), ResolveRequest{
		EntityId:   "rt1",
		EntityRole: models.RoleRetailer,
		Scope:      models.ServiceCardPresent,
	})
	if !errors.Is(err, store.ErrNoSchemeResolved) {
		t.Fatalf("Expected ErrNoSchemeResolved, got: %v", err)
	}
}

func TestResolve_RejectsWildcardScope(t *testing.T) {
	st, cleanup := newTestStore(t)
	defer cleanup()
	resolver := NewResolver(st)

	if _, err := resolver.Resolve(context.Background(), ResolveRequest{
		EntityId:   "rt1",
		EntityRole: models.RoleRetailer,
		Scope:      models.ServiceAll,
	}); err == nil {
		t.Fatal("Expected error for wildcard scope, got nil")
	}
}

func TestResolve_ValidityWindowAppliesAtRequestTime(t *testing.T) {
	st, cleanup := newTestStore(t)
	defer cleanup()
	resolver := NewResolver(st)
	ctx := context.Background()

	future, err := st.CreateScheme(ctx, &models.Scheme{
		Name:          "next quarter",
		Kind:          models.SchemeGlobal,
		Scope:         models.ServiceAll,
		Priority:      1,
		EffectiveFrom: time.Now().UTC().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateScheme failed: %v", err)
	}

	if _, err := resolver.Resolve(ctx, ResolveRequest{
		EntityId:   "rt1",
		EntityRole: models.RoleRetailer,
		Scope:      models.ServiceBillPayment,
	}); !errors.Is(err, store.ErrNoSchemeResolved) {
		t.Fatalf("Expected ErrNoSchemeResolved before effective_from, got: %v", err)
	}

	resolved, err := resolver.Resolve(ctx, ResolveRequest{
		EntityId:   "rt1",
		EntityRole: models.RoleRetailer,
		Scope:      models.ServiceBillPayment,
		Now:        time.Now().UTC().Add(48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Resolve at future time failed: %v", err)
	}
	if resolved.SchemeId != future.Id {
		t.Errorf("Expected future scheme %s, got %s", future.Id, resolved.SchemeId)
	}
}
