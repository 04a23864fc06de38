// Command demo drives the SDK end to end against a running stub backend
// (see cmd/stubserver) using the simulated purchase queue: start, purchase
// a weekly subscription, query the cache, restore, log out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"purchasekit"
	"purchasekit/internal/platform"
)

type loggingObserver struct {
	purchasekit.NoopObserver
	log zerolog.Logger
}

func (o *loggingObserver) EntitlementsChanged(records []purchasekit.EntitlementRecord) {
	o.log.Info().Int("records", len(records)).Msg("entitlements changed")
}

func (o *loggingObserver) PurchaseSucceeded(productID string, rec purchasekit.EntitlementRecord) {
	o.log.Info().Str("product_id", productID).Str("status", string(rec.Status)).
		Time("expires_at", rec.ExpiresAt).Msg("purchase succeeded")
}

func (o *loggingObserver) PurchaseFailed(productID string, err error) {
	o.log.Warn().Str("product_id", productID).Err(err).Msg("purchase failed")
}

func main() {
	_ = godotenv.Load()

	configFile := flag.String("config", "", "Optional JSON config file")
	product := flag.String("product", "premium.weekly", "Product id to purchase")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := purchasekit.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = "stub-api-key"
	}

	queue := platform.NewSimulatedQueue()
	queue.SetAsync(true)
	catalog := platform.NewSimulatedCatalog(
		platform.Product{ID: "premium.weekly", GroupID: "premium", Title: "Premium Weekly",
			PriceCents: 299, Currency: "USD", Period: "P1W"},
		platform.Product{ID: "premium.monthly", GroupID: "premium", Title: "Premium Monthly",
			PriceCents: 999, Currency: "USD", Period: "P1M"},
		platform.Product{ID: "premium.yearly", GroupID: "premium", Title: "Premium Yearly",
			PriceCents: 7999, Currency: "USD", Period: "P1Y"},
	)

	client, err := purchasekit.New(cfg, queue, catalog, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create client")
	}
	client.AddObserver(&loggingObserver{log: log})

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start client")
	}
	defer client.Close(ctx)

	fmt.Printf("premium active at launch: %v\n", client.HasActiveEntitlement("premium"))

	products, err := client.Products(ctx, []string{"premium.weekly", "premium.monthly", "premium.yearly"})
	if err != nil {
		log.Fatal().Err(err).Msg("catalog query failed")
	}
	for _, p := range products {
		fmt.Printf("  %-16s %s %d %s / %s\n", p.ID, p.Title, p.PriceCents, p.Currency, p.Period)
	}

	purchaseCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, err := client.Purchase(purchaseCtx, *product)
	if err != nil {
		log.Error().Err(err).Msg("purchase did not complete")
	} else if result.Entitlement != nil {
		fmt.Printf("purchased %s: status=%s expires=%s\n",
			*product, result.Entitlement.Status, result.Entitlement.ExpiresAt.Format(time.RFC3339))
	}

	fmt.Printf("premium active after purchase: %v\n", client.HasActiveEntitlement("premium"))

	restored, err := client.RestorePurchases(ctx)
	if err != nil {
		log.Error().Err(err).Msg("restore failed")
	} else {
		fmt.Printf("restore returned %d entitlement(s)\n", len(restored))
	}

	if err := client.Logout(ctx); err != nil {
		log.Error().Err(err).Msg("logout failed")
	}
	fmt.Printf("premium active after logout: %v\n", client.HasActiveEntitlement("premium"))
}
