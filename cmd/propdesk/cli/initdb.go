package cli

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/EastsCloud/property-management/internal/billing"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the YAML document loaded by init-db.
type Seed struct {
	ChargeTypes     []SeedChargeType `yaml:"charge_types"`
	Owners          []SeedOwner      `yaml:"owners"`
	InitialInvoices []SeedInvoice    `yaml:"initial_invoices"`
}

// SeedChargeType describes a charge type to create.
type SeedChargeType struct {
	Name        string `yaml:"name"`
	Cycle       string `yaml:"cycle"`
	Price       string `yaml:"price"`
	LinkTo      string `yaml:"link_to"`
	Description string `yaml:"description"`
}

// SeedOwner describes an owner to create.
type SeedOwner struct {
	Name         string            `yaml:"name"`
	Phone        string            `yaml:"phone"`
	Email        string            `yaml:"email"`
	Unit         string            `yaml:"unit"`
	Area         string            `yaml:"area"`
	UnitType     string            `yaml:"unit_type"`
	Vehicles     []billing.Vehicle `yaml:"vehicles"`
	ParkingSpots []string          `yaml:"parking_spots"`
}

// SeedInvoice bills every seeded owner once for the named charge type.
type SeedInvoice struct {
	ChargeType  string `yaml:"charge_type"`
	DueInDays   int    `yaml:"due_in_days"`
	Description string `yaml:"description"`
}

// ParseSeed decodes a seed document; an empty input yields the built-in seed.
func ParseSeed(raw []byte) (Seed, error) {
	if len(raw) == 0 {
		raw = defaultSeed
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("init-db: parse seed: %w", err)
	}
	return seed, nil
}

// Schema is the store lifecycle init-db drives.
type Schema interface {
	Migrate(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Seeder is the part of billing.Service used to load seed data.
type Seeder interface {
	CreateOwner(ctx context.Context, input billing.OwnerInput) (*billing.Owner, error)
	CreateChargeType(ctx context.Context, input billing.ChargeTypeInput) (*billing.ChargeType, error)
	CreateInvoice(ctx context.Context, input billing.CreateInvoiceInput) (*billing.Invoice, error)
}

// InitDBOptions configures the init-db command.
type InitDBOptions struct {
	// Drop recreates every table before seeding.
	Drop bool
	// SeedFile overrides the built-in seed. "-" skips seeding.
	SeedFile string
	Now      time.Time
	Stdout   io.Writer
	Stderr   io.Writer
}

// SeedResult counts the rows init-db created.
type SeedResult struct {
	ChargeTypes int
	Owners      int
	Invoices    int
}

// InitDBCommand applies the schema and loads seed data, returning the process exit code.
func InitDBCommand(ctx context.Context, schema Schema, seeder Seeder, opts InitDBOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	var err error
	if opts.Drop {
		err = schema.Reset(ctx)
	} else {
		err = schema.Migrate(ctx)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "init-db: %v\n", err)
		return 1
	}
	if opts.SeedFile == "-" {
		_, _ = fmt.Fprintln(opts.Stdout, "schema ready, seeding skipped")
		return 0
	}

	var raw []byte
	if opts.SeedFile != "" {
		if raw, err = os.ReadFile(opts.SeedFile); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "init-db: read seed: %v\n", err)
			return 1
		}
	}
	seed, err := ParseSeed(raw)
	if err != nil {
		_, _ = fmt.Fprintln(opts.Stderr, err)
		return 1
	}
	result, err := ApplySeed(ctx, seeder, seed, opts.Now)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "init-db: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "database initialised: %d charge types, %d owners, %d invoices\n",
		result.ChargeTypes, result.Owners, result.Invoices)
	return 0
}

// ApplySeed creates the seed's charge types, owners and initial invoices in order.
func ApplySeed(ctx context.Context, seeder Seeder, seed Seed, now time.Time) (SeedResult, error) {
	var result SeedResult
	chargeTypes := make(map[string]int64, len(seed.ChargeTypes))
	for _, ct := range seed.ChargeTypes {
		price, err := parseSeedDecimal(ct.Price)
		if err != nil {
			return result, fmt.Errorf("charge type %q: price: %w", ct.Name, err)
		}
		created, err := seeder.CreateChargeType(ctx, billing.ChargeTypeInput{
			Name:        ct.Name,
			Cycle:       billing.BillingCycle(ct.Cycle),
			Price:       price,
			LinkTo:      billing.LinkTo(ct.LinkTo),
			Description: ct.Description,
		})
		if err != nil {
			return result, fmt.Errorf("charge type %q: %w", ct.Name, err)
		}
		chargeTypes[ct.Name] = created.ID
		result.ChargeTypes++
	}

	owners := make([]int64, 0, len(seed.Owners))
	for _, o := range seed.Owners {
		input := billing.OwnerInput{
			Name:         o.Name,
			Phone:        o.Phone,
			Email:        o.Email,
			Unit:         o.Unit,
			UnitType:     o.UnitType,
			Vehicles:     o.Vehicles,
			ParkingSpots: o.ParkingSpots,
		}
		if o.Area != "" {
			area, err := decimal.NewFromString(o.Area)
			if err != nil {
				return result, fmt.Errorf("owner %q: area: %w", o.Name, err)
			}
			input.Area = &area
		}
		created, err := seeder.CreateOwner(ctx, input)
		if err != nil {
			return result, fmt.Errorf("owner %q: %w", o.Name, err)
		}
		owners = append(owners, created.ID)
		result.Owners++
	}

	for _, inv := range seed.InitialInvoices {
		chargeTypeID, ok := chargeTypes[inv.ChargeType]
		if !ok {
			return result, fmt.Errorf("initial invoice: unknown charge type %q", inv.ChargeType)
		}
		due := now.AddDate(0, 0, inv.DueInDays)
		for _, ownerID := range owners {
			if _, err := seeder.CreateInvoice(ctx, billing.CreateInvoiceInput{
				OwnerID:      ownerID,
				ChargeTypeID: chargeTypeID,
				DueDate:      due,
				Description:  inv.Description,
			}); err != nil {
				return result, fmt.Errorf("initial invoice for owner %d: %w", ownerID, err)
			}
			result.Invoices++
		}
	}
	return result, nil
}

func parseSeedDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
