// Command main fills a development database with demo users, projects and
// pending requests.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"coldfront/internal/bootstrap"
	"coldfront/internal/config"
	"coldfront/internal/seed"

	_ "time/tzdata"
)

func main() {
	numUsers := flag.Int("users", 50, "Number of users to create")
	numProjects := flag.Int("projects", 18, "Number of active projects to create")
	numRequests := flag.Int("requests", 24, "Number of pending requests to file")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	skipBcrypt := flag.Bool("fast", false, "Store plain passwords (throwaway databases only)")
	randSeed := flag.Int64("seed", 0, "Random seed, 0 for a random one")
	flag.Parse()

	log.Println("Database Seeder")
	log.Printf("Target: %d users, %d projects, %d requests, clean=%v\n", *numUsers, *numProjects, *numRequests, *shouldClean)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatalf("Refusing to seed a %s database", cfg.Env)
	}
	cfg.EmailEnabled = false

	ctx := context.Background()
	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{ApplySchema: true})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer func() { _ = rt.Close() }()

	s := seed.NewSeeder(rt.Deps(), seed.Options{
		NumUsers:    *numUsers,
		NumProjects: *numProjects,
		NumRequests: *numRequests,
		SkipBcrypt:  *skipBcrypt,
		RandSeed:    *randSeed,
	})
	if *shouldClean {
		if err := s.ClearAll(ctx); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
	}
	if _, err := s.Seed(ctx, os.Stdout); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Println("All done! Log in as admin or any seeded user.")
	log.Printf("All seeded users have the password: %s\n", seed.DefaultPassword)
}
