// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package kvstore_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/plughost/internal/kvstore"
)

var _ = Describe("Postgres store", func() {
	var (
		store     kvstore.Store
		container *postgres.PostgresContainer
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("plughost_test"),
			postgres.WithUsername("plughost"),
			postgres.WithPassword("plughost"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		store, err = kvstore.Open(ctx, kvstore.Config{Driver: kvstore.DriverPostgres, DSN: dsn, Migrate: true})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			_ = store.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	It("round-trips JSON values", func() {
		Expect(store.Set(ctx, "plugins", "echo", map[string]any{"enabled": true})).To(Succeed())

		var out map[string]any
		found, err := store.Get(ctx, "plugins", "echo", &out)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(out).To(HaveKeyWithValue("enabled", true))
	})

	It("upserts existing keys", func() {
		Expect(store.Set(ctx, "plugins", "echo", 1)).To(Succeed())
		Expect(store.Set(ctx, "plugins", "echo", 2)).To(Succeed())

		var out int
		_, err := store.Get(ctx, "plugins", "echo", &out)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(2))
	})

	It("deletes keys", func() {
		Expect(store.Set(ctx, "plugins", "echo", "x")).To(Succeed())
		Expect(store.Delete(ctx, "plugins", "echo")).To(Succeed())

		found, err := store.Get(ctx, "plugins", "echo", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})
})
