/*
scenarios.go - Demo data seeding for development environments

PURPOSE:

	Populates the store with realistic lab data so the full invoice
	lifecycle can be exercised against a fresh database: a price book,
	an urgency surcharge rule, and a handful of orders in different
	eligibility states.

SEEDED DATA:

	Prices:   template prices for crown/bridge/veneer/denture, plus a
	          lab override for crowns
	Rule:     10% urgency surcharge
	Orders:   eligible orders (delivered + confirmed), one undelivered,
	          one delivered but unconfirmed

USAGE:

	Called from cmd/server/main.go when -seed is passed. Seeding is
	idempotent: every write is an upsert.

SEE ALSO:
  - cmd/server/main.go: -seed flag
  - billing/service.go: SaveOrder, SetPrice, SetSurchargeRule
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dentalab/billing-engine/billing"
)

var seedActor = billing.Actor{UserID: "seed", Role: billing.RoleSystem}

// SeedDemoData loads the demo price book and orders.
func SeedDemoData(ctx context.Context, svc *billing.Service) error {
	if err := seedPrices(ctx, svc); err != nil {
		return err
	}
	if err := seedOrders(ctx, svc); err != nil {
		return err
	}
	return nil
}

func seedPrices(ctx context.Context, svc *billing.Service) error {
	templates := map[string]string{
		"crown":   "120.00",
		"bridge":  "300.00",
		"veneer":  "95.50",
		"denture": "450.00",
	}
	for rt, price := range templates {
		p := billing.Price{
			Scope:           billing.PriceScopeTemplate,
			RestorationType: rt,
			UnitPrice:       decimal.RequireFromString(price),
		}
		if err := svc.SetPrice(ctx, p, seedActor); err != nil {
			return fmt.Errorf("failed to seed template price for %s: %w", rt, err)
		}
	}

	// Lab-negotiated crown price overrides the template
	labCrown := billing.Price{
		Scope:           billing.PriceScopeLab,
		RestorationType: "crown",
		UnitPrice:       decimal.RequireFromString("135.00"),
	}
	if err := svc.SetPrice(ctx, labCrown, seedActor); err != nil {
		return fmt.Errorf("failed to seed lab crown price: %w", err)
	}

	rule := billing.SurchargeRule{
		Mode:  billing.SurchargePercent,
		Value: decimal.NewFromInt(10),
	}
	if err := svc.SetSurchargeRule(ctx, rule, seedActor); err != nil {
		return fmt.Errorf("failed to seed surcharge rule: %w", err)
	}
	return nil
}

func seedOrders(ctx context.Context, svc *billing.Service) error {
	now := time.Now().UTC()
	delivered := now.Add(-72 * time.Hour)
	confirmed := now.Add(-48 * time.Hour)

	orders := []billing.Order{
		{
			ID:                  "order-crown-3",
			ClinicID:            "clinic-smile",
			RestorationType:     "crown",
			UnitCount:           3,
			DeliveredAt:         &delivered,
			DeliveryConfirmedAt: &confirmed,
		},
		{
			ID:                  "order-bridge-urgent",
			ClinicID:            "clinic-smile",
			RestorationType:     "bridge",
			UnitCount:           1,
			Urgent:              true,
			DeliveredAt:         &delivered,
			DeliveryConfirmedAt: &confirmed,
		},
		{
			ID:                  "order-veneer-4",
			ClinicID:            "clinic-north",
			RestorationType:     "veneer",
			UnitCount:           4,
			DeliveredAt:         &delivered,
			DeliveryConfirmedAt: &confirmed,
		},
		{
			// Not yet delivered: ineligible
			ID:              "order-denture-pending",
			ClinicID:        "clinic-north",
			RestorationType: "denture",
			UnitCount:       1,
		},
		{
			// Delivered but unconfirmed: still ineligible
			ID:              "order-crown-unconfirmed",
			ClinicID:        "clinic-smile",
			RestorationType: "crown",
			UnitCount:       2,
			DeliveredAt:     &delivered,
		},
	}

	for _, o := range orders {
		if err := svc.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("failed to seed order %s: %w", o.ID, err)
		}
	}
	return nil
}
