package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// AnchorDTO is the wire form of gocycle.Anchor. Dates are YYYY-MM-DD or
// YYYY-MM-DDT00:00:00Z. Range checks depend on the cycle type and are left to
// the engine, which ignores fields the cycle type does not use.
type AnchorDTO struct {
	DayOfMonth    *int    `json:"dayOfMonth,omitempty"`
	MonthOfYear   *int    `json:"monthOfYear,omitempty"`
	DayOfWeek     *int    `json:"dayOfWeek,omitempty"`
	ReferenceDate *string `json:"referenceDate,omitempty"`
}

// UpdateScheduleRequest replaces a client's billing configuration
type UpdateScheduleRequest struct {
	BillingCycle string    `json:"billingCycle" validate:"required,cycletype"`
	Anchor       AnchorDTO `json:"anchor"`
}

// PreviewRequest asks for periods of an unsaved configuration
type PreviewRequest struct {
	BillingCycle  string    `json:"billingCycle" validate:"required,cycletype"`
	Anchor        AnchorDTO `json:"anchor"`
	ReferenceDate string    `json:"referenceDate" validate:"required"`
	Count         int       `json:"count" validate:"gte=0"`
}

// SettingsRequest replaces a client's billing setting overrides. Omitted or
// null fields inherit the tenant default.
type SettingsRequest struct {
	ZeroDollarInvoiceHandling  *string `json:"zeroDollarInvoiceHandling" validate:"omitempty,oneof=normal finalize"`
	SuppressZeroDollarInvoices *bool   `json:"suppressZeroDollarInvoices"`
	EnableCreditExpiration     *bool   `json:"enableCreditExpiration"`
	CreditExpirationDays       *int    `json:"creditExpirationDays" validate:"omitempty,gte=1"`
	CreditExpirationNotifyDays []int   `json:"creditExpirationNotificationDays" validate:"omitempty,dive,gte=1"`
}

// ScheduleResponse is a client's stored billing configuration
type ScheduleResponse struct {
	ClientID     string    `json:"clientId"`
	BillingCycle string    `json:"billingCycle"`
	Anchor       AnchorDTO `json:"anchor"`
	UpdatedAt    string    `json:"updatedAt,omitempty"`
	Created      *bool     `json:"created,omitempty"`
}

// PeriodResponse is one half-open billing period
type PeriodResponse struct {
	PeriodStartDate string `json:"periodStartDate"`
	PeriodEndDate   string `json:"periodEndDate"`
}

// PreviewResponse lists consecutive billing periods
type PreviewResponse struct {
	Periods []PeriodResponse `json:"periods"`
}

// CycleResponse is a materialized billing cycle
type CycleResponse struct {
	ID              string `json:"id"`
	ClientID        string `json:"clientId"`
	PeriodStartDate string `json:"periodStartDate"`
	PeriodEndDate   string `json:"periodEndDate"`
	Invoiced        bool   `json:"invoiced"`
	CreatedAt       string `json:"createdAt"`
}

// CyclesResponse lists a client's billing cycles ordered by start
type CyclesResponse struct {
	Cycles []CycleResponse `json:"cycles"`
}

// ErrorResponse is the default error body
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	//nolint:errcheck // tag name and function are static
	_ = v.RegisterValidation("cycletype", func(fl validator.FieldLevel) bool {
		return gocycle.CycleType(fl.Field().String()).Valid()
	})
	return v
}

// toAnchor parses the wire anchor.
func (a AnchorDTO) toAnchor() (gocycle.Anchor, error) {
	anchor := gocycle.Anchor{
		DayOfMonth:  a.DayOfMonth,
		MonthOfYear: a.MonthOfYear,
		DayOfWeek:   a.DayOfWeek,
	}
	if a.ReferenceDate != nil {
		ref, err := gocycle.ParseDate(*a.ReferenceDate)
		if err != nil {
			return gocycle.Anchor{}, &gocycle.ConfigurationError{
				Field: "referenceDate", Value: *a.ReferenceDate, Reason: err.Error(),
			}
		}
		anchor.ReferenceDate = &ref
	}
	return anchor, nil
}

func (s SettingsRequest) toSettings() *gocycle.BillingSettings {
	settings := &gocycle.BillingSettings{
		SuppressZeroDollarInvoices: s.SuppressZeroDollarInvoices,
		EnableCreditExpiration:     s.EnableCreditExpiration,
		CreditExpirationDays:       s.CreditExpirationDays,
		CreditExpirationNotifyDays: s.CreditExpirationNotifyDays,
	}
	if s.ZeroDollarInvoiceHandling != nil {
		settings.ZeroDollarInvoiceHandling = lo.ToPtr(gocycle.ZeroDollarInvoiceHandling(*s.ZeroDollarInvoiceHandling))
	}
	return settings
}

func anchorDTO(a gocycle.Anchor) AnchorDTO {
	dto := AnchorDTO{
		DayOfMonth:  a.DayOfMonth,
		MonthOfYear: a.MonthOfYear,
		DayOfWeek:   a.DayOfWeek,
	}
	if a.ReferenceDate != nil {
		dto.ReferenceDate = lo.ToPtr(gocycle.FormatDate(*a.ReferenceDate))
	}
	return dto
}

func scheduleResponse(s *gocycle.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ClientID:     s.ClientID,
		BillingCycle: string(s.BillingCycle),
		Anchor:       anchorDTO(s.Anchor),
	}
	if !s.UpdatedAt.IsZero() {
		resp.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func periodResponses(periods []gocycle.BillingPeriod) []PeriodResponse {
	return lo.Map(periods, func(p gocycle.BillingPeriod, _ int) PeriodResponse {
		return periodResponse(p)
	})
}

func periodResponse(p gocycle.BillingPeriod) PeriodResponse {
	return PeriodResponse{
		PeriodStartDate: gocycle.FormatDate(p.Start),
		PeriodEndDate:   gocycle.FormatDate(p.End),
	}
}

func cycleResponse(r *gocycle.CycleRecord) CycleResponse {
	return CycleResponse{
		ID:              r.ID,
		ClientID:        r.ClientID,
		PeriodStartDate: gocycle.FormatDate(r.PeriodStart),
		PeriodEndDate:   gocycle.FormatDate(r.PeriodEnd),
		Invoiced:        r.Invoiced,
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func cycleResponses(records []*gocycle.CycleRecord) []CycleResponse {
	return lo.Map(records, func(r *gocycle.CycleRecord, _ int) CycleResponse {
		return cycleResponse(r)
	})
}

// validationError turns the first validator failure into a ConfigurationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return &gocycle.ConfigurationError{
		Field:  fe.Field(),
		Value:  fe.Value(),
		Reason: fmt.Sprintf("failed %q validation", fe.Tag()),
	}
}
