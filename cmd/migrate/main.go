package main

import (
	"context"
	"flag"
	"log"
	"os"

	"signflow/db"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("a connection string is required: pass -dsn or set DATABASE_URL")
	}

	if err := db.RunMigrations(context.Background(), *dsn); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	log.Println("migrations applied")
}
