package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReferenceStore looks up payment token records
type ReferenceStore interface {
	// FindActiveToken returns the active token whose payload is exactly payload,
	// joined with its owner profile and service profile. ErrNoToken when none.
	FindActiveToken(ctx context.Context, payload string) (*TokenRecord, error)
}

// Resolver turns a classified scan into the reference it points at
type Resolver struct {
	store      ReferenceStore
	timeSource TimeSource
}

// NewResolver creates a new Resolver
func NewResolver(store ReferenceStore, timeSource TimeSource) *Resolver {
	if timeSource == nil {
		timeSource = &defaultTimeSource{}
	}
	return &Resolver{
		store:      store,
		timeSource: timeSource,
	}
}

// Resolve finds the authoritative reference for scan. Lookups are not retried.
func (r *Resolver) Resolve(ctx context.Context, scan ClassifiedScan) (Reference, error) {
	switch scan.Category {
	case CategoryDriver:
		return r.resolveDriver(ctx, scan)
	case CategoryMerchant:
		return resolveMerchant(scan)
	}
	return Reference{}, ErrUnrecognized
}

func (r *Resolver) resolveDriver(ctx context.Context, scan ClassifiedScan) (Reference, error) {
	record, err := r.store.FindActiveToken(ctx, scan.Raw)
	if errors.Is(err, ErrNoToken) {
		return Reference{}, ErrTokenNotFound
	}
	if err != nil {
		return Reference{}, fmt.Errorf("%w: looking up token: %w", ErrServiceUnavailable, err)
	}
	if record == nil || !record.Active || record.Expired(r.timeSource.Now()) {
		return Reference{}, ErrTokenNotFound
	}

	// The stored owner is authoritative over whatever the payload claims
	ref := &DriverReference{
		TokenID:  record.ID,
		DriverID: record.OwnerID,
	}
	if ref.DriverID == "" && scan.Driver != nil {
		ref.DriverID = scan.Driver.DriverID
	}
	if ref.DriverID == "" {
		return Reference{}, ErrTokenNotFound
	}
	if record.Owner != nil {
		ref.DriverName = record.Owner.FullName
	}
	if record.Service != nil {
		ref.Fee = record.Service.TicketFee
		ref.RouteName = record.Service.RouteName
		ref.VehicleType = record.Service.VehicleType
	}

	return Reference{Category: CategoryDriver, Driver: ref}, nil
}

func resolveMerchant(scan ClassifiedScan) (Reference, error) {
	claim := scan.Merchant
	if claim == nil || claim.MerchantID == "" {
		return Reference{}, ErrTokenNotFound
	}
	return Reference{
		Category: CategoryMerchant,
		Merchant: &MerchantReference{
			MerchantID:   claim.MerchantID,
			BusinessName: claim.BusinessName,
			Description:  claim.Description,
			Amount:       claim.Amount,
			Fixed:        claim.Amount.IsPositive(),
		},
	}, nil
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}
