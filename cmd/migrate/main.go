package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"insightdash.io/internal/auth"
	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/migrate"
	"insightdash.io/internal/rbac"
	"insightdash.io/internal/store/pg"
	"insightdash.io/migrations"
)

const usage = "usage: migrate [flags] up|down|status|seed|plans|create-user"

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("IDASH_PG_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Directory of SQL seed files")
		catalog   = flag.String("catalog", "", "Plan catalog YAML (defaults to the built-in catalog)")
		email     = flag.String("email", "", "create-user: email")
		password  = flag.String("password", os.Getenv("IDASH_BOOTSTRAP_PASSWORD"), "create-user: password")
		role      = flag.String("role", string(rbac.RoleOwner), "create-user: role")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or IDASH_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrations.FS, seeds)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "plans":
		err = syncPlans(ctx, store, *catalog)
	case "create-user":
		err = createUser(ctx, store, *email, *password, *role)
	default:
		log.Fatalf("unknown command %q\n%s", flag.Arg(0), usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// syncPlans makes plan_features match the catalog.
func syncPlans(ctx context.Context, store *pg.Store, path string) error {
	cat := entitlement.DefaultCatalog()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if cat, err = entitlement.ParseCatalog(data); err != nil {
			return err
		}
	}
	rows := cat.All()
	if err := store.SyncPlanFeatures(ctx, rows); err != nil {
		return err
	}
	log.Printf("synced %d plan features", len(rows))
	return nil
}

func createUser(ctx context.Context, store *pg.Store, email, password, rawRole string) error {
	if email == "" || password == "" {
		return fmt.Errorf("-email and -password are required")
	}
	role, err := rbac.ParseRole(rawRole)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	p, err := store.CreateUser(ctx, email, hash, role)
	if err != nil {
		return err
	}
	log.Printf("created %s (%s) as %s", p.Email, p.UserID, p.Role)
	return nil
}
