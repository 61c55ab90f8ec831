package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// OwnerInput carries the editable owner attributes.
type OwnerInput struct {
	Name         string           `json:"name" validate:"required,max=120"`
	Phone        string           `json:"phone" validate:"max=50"`
	Email        string           `json:"email" validate:"omitempty,email,max=120"`
	Unit         string           `json:"unit" validate:"max=120"`
	Area         *decimal.Decimal `json:"area"`
	UnitType     string           `json:"unit_type" validate:"max=50"`
	Vehicles     []Vehicle        `json:"vehicles" validate:"dive"`
	ParkingSpots []string         `json:"parking_spots" validate:"dive,required,max=20"`
}

// ChargeTypeInput carries the attributes of a new charge type.
type ChargeTypeInput struct {
	Name        string          `json:"name" validate:"required,max=120"`
	Cycle       BillingCycle    `json:"cycle" validate:"omitempty,oneof=day week month quarter year"`
	Price       decimal.Decimal `json:"price"`
	LinkTo      LinkTo          `json:"link_to" validate:"omitempty,oneof=area vehicles none"`
	Description string          `json:"description" validate:"max=255"`
}

// CreateOwner registers a new owner.
func (s *Service) CreateOwner(ctx context.Context, input OwnerInput) (*Owner, error) {
	owner, err := ownerFromInput(input)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	owner.CreatedAt = now
	owner.UpdatedAt = now
	created, err := s.repo.CreateOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.invalidateSummary(ctx)
	s.logger.Info("owner created", slog.Int64("owner_id", created.ID))
	return created, nil
}

// UpdateOwner replaces the editable attributes of an owner.
func (s *Service) UpdateOwner(ctx context.Context, id int64, input OwnerInput) (*Owner, error) {
	existing, err := s.repo.GetOwner(ctx, id)
	if err != nil {
		return nil, notFound("owner", id, err)
	}
	owner, err := ownerFromInput(input)
	if err != nil {
		return nil, err
	}
	owner.ID = existing.ID
	owner.CreatedAt = existing.CreatedAt
	owner.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateOwner(ctx, owner); err != nil {
		return nil, notFound("owner", id, err)
	}
	return &owner, nil
}

// GetOwner returns one owner.
func (s *Service) GetOwner(ctx context.Context, id int64) (*Owner, error) {
	owner, err := s.repo.GetOwner(ctx, id)
	if err != nil {
		return nil, notFound("owner", id, err)
	}
	return owner, nil
}

// ListOwners searches owners, newest first.
func (s *Service) ListOwners(ctx context.Context, filter OwnerFilter) ([]Owner, error) {
	filter.Search = strings.TrimSpace(filter.Search)
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)
	return s.repo.ListOwners(ctx, filter)
}

// DeleteOwner removes an owner. Owners with invoices or payments are kept.
func (s *Service) DeleteOwner(ctx context.Context, id int64) error {
	blocked, err := s.repo.DeleteOwner(ctx, id)
	if err != nil {
		return notFound("owner", id, err)
	}
	if blocked {
		return &ConflictError{Message: fmt.Sprintf("owner %d has invoices or payments and cannot be deleted", id)}
	}
	s.invalidateSummary(ctx)
	s.logger.Info("owner deleted", slog.Int64("owner_id", id))
	return nil
}

// CreateChargeType registers a billable item definition.
func (s *Service) CreateChargeType(ctx context.Context, input ChargeTypeInput) (*ChargeType, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := validateStruct(input); err != nil {
		return nil, err
	}
	if input.Price.IsNegative() {
		return nil, invalid("price", "price must not be negative")
	}
	ct := ChargeType{
		Name:        input.Name,
		Cycle:       input.Cycle,
		Price:       input.Price,
		LinkTo:      input.LinkTo,
		Description: strings.TrimSpace(input.Description),
		CreatedAt:   s.now().UTC(),
	}
	if ct.Cycle == "" {
		ct.Cycle = CycleMonth
	}
	if ct.LinkTo == "" {
		ct.LinkTo = LinkNone
	}
	created, err := s.repo.CreateChargeType(ctx, ct)
	if err != nil {
		return nil, err
	}
	s.logger.Info("charge type created", slog.Int64("charge_type_id", created.ID), slog.String("link_to", string(created.LinkTo)))
	return created, nil
}

// GetChargeType returns one charge type.
func (s *Service) GetChargeType(ctx context.Context, id int64) (*ChargeType, error) {
	ct, err := s.repo.GetChargeType(ctx, id)
	if err != nil {
		return nil, notFound("charge type", id, err)
	}
	return ct, nil
}

// ListChargeTypes returns all charge types, newest first.
func (s *Service) ListChargeTypes(ctx context.Context) ([]ChargeType, error) {
	return s.repo.ListChargeTypes(ctx)
}

func ownerFromInput(input OwnerInput) (Owner, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := validateStruct(input); err != nil {
		return Owner{}, err
	}
	if input.Area != nil && input.Area.IsNegative() {
		return Owner{}, invalid("area", "area must not be negative")
	}
	vehicles := input.Vehicles
	if vehicles == nil {
		vehicles = []Vehicle{}
	}
	spots := input.ParkingSpots
	if spots == nil {
		spots = []string{}
	}
	return Owner{
		Name:         input.Name,
		Phone:        strings.TrimSpace(input.Phone),
		Email:        strings.TrimSpace(input.Email),
		Unit:         strings.TrimSpace(input.Unit),
		Area:         input.Area,
		UnitType:     strings.TrimSpace(input.UnitType),
		Vehicles:     vehicles,
		VehicleCount: len(vehicles),
		ParkingSpots: spots,
	}, nil
}

// validateStruct reports the first failing field as a ValidationError.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return invalid(fieldPath(fe), fieldMessage(fe))
	}
	return invalid("", err.Error())
}
