/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain results
  (quota.BookingResult, reconcile.Report, ...) already carry JSON tags and
  are returned inside the Response envelope as they are. The types here
  cover what clients send.

NAMING CONVENTION:
  - *Request: request body types from clients
  - *Query:   query-string parameters, decoded by decodeQuery
  - Response / ErrorResponse: the envelope every endpoint answers with

TYPES:
  Schedule:
    BookingRequest, CancelRequest, MarkSentRequest,
    OverviewQuery, OverviewRangeQuery

  Usage:
    CompletionRequest, SyncRequest, TenantSyncRequest,
    QuotaStatusQuery, HistoryQuery, DiscrepancyQuery, SummaryQuery

VALIDATION:
  Struct tags are checked with go-playground/validator. Dates travel as
  YYYY-MM-DD strings (validated with datetime=2006-01-02) and are parsed
  into generic.TimePoint by the handlers. A failed check answers 422 with
  one message per offending field.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Response wraps every successful answer.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// SCHEDULE
// =============================================================================

// BookingRequest is the body of POST /api/schedule/request.
type BookingRequest struct {
	AppCode       string `json:"app_code" validate:"required"`
	ScheduledDate string `json:"scheduled_date" validate:"required,datetime=2006-01-02"`
	EmailCount    int    `json:"email_count" validate:"required,min=1,max=50000"`
	CampaignType  string `json:"campaign_type" validate:"omitempty,oneof=regular urgent promotional mandatory"`
	Subject       string `json:"subject" validate:"max=255"`
	Description   string `json:"description" validate:"max=1000"`
}

// CancelRequest is the body of DELETE /api/schedule/cancel/{campaignId}.
type CancelRequest struct {
	AppCode string `json:"app_code" validate:"required"`
	Reason  string `json:"reason" validate:"max=500"`
}

// MarkSentRequest is the body of POST /api/schedule/sent/{campaignId}.
type MarkSentRequest struct {
	AppCode          string `json:"app_code" validate:"required"`
	ActualEmailsSent *int   `json:"actual_emails_sent" validate:"omitempty,min=1"`
}

type OverviewQuery struct {
	AppCode string `query:"app_code" validate:"required"`
	Date    string `query:"date" validate:"required,datetime=2006-01-02"`
}

type OverviewRangeQuery struct {
	AppCode   string `query:"app_code" validate:"required"`
	StartDate string `query:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `query:"end_date" validate:"required,datetime=2006-01-02"`
}

// =============================================================================
// USAGE & RECONCILIATION
// =============================================================================

// CompletionRequest is the body of POST /api/campaign/complete.
type CompletionRequest struct {
	AppCode          string `json:"app_code" validate:"required"`
	CampaignID       string `json:"campaign_id" validate:"required"`
	ActualEmailsSent int    `json:"actual_emails_sent" validate:"required,min=1"`
	CompletionDate   string `json:"completion_date" validate:"omitempty,datetime=2006-01-02"`
}

// SyncRequest is the body of POST /api/sync.
type SyncRequest struct {
	AppCode  string `json:"app_code" validate:"required"`
	SyncType string `json:"sync_type" validate:"omitempty,oneof=manual auto"`
}

// ReportedUsage is what a tenant believes it sent.
type ReportedUsage struct {
	TodayUsed   *int `json:"today_used" validate:"required,min=0"`
	MonthlyUsed *int `json:"monthly_used" validate:"required,min=0"`
}

// TenantSyncRequest is the body of POST /api/quota/sync.
type TenantSyncRequest struct {
	AppCode   string         `json:"app_code" validate:"required"`
	QuotaData *ReportedUsage `json:"quota_data" validate:"required"`
	SyncType  string         `json:"sync_type" validate:"required,oneof=scheduled manual initial"`
}

type QuotaStatusQuery struct {
	AppCode string `query:"app_code" validate:"required"`
	Date    string `query:"date" validate:"omitempty,datetime=2006-01-02"`
}

type HistoryQuery struct {
	AppCode   string `query:"app_code" validate:"required"`
	StartDate string `query:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `query:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Status    string `query:"status" validate:"omitempty,oneof=pending approved sent cancelled"`
	Page      int    `query:"page" validate:"omitempty,min=1"`
	PerPage   int    `query:"per_page" validate:"omitempty,min=1,max=100"`
}

type GroupInfoQuery struct {
	AppCode string `query:"app_code" validate:"required"`
}

type DiscrepancyQuery struct {
	AppCode   string `query:"app_code"`
	Status    string `query:"status" validate:"omitempty,oneof=normal warning"`
	StartDate string `query:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `query:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Page      int    `query:"page" validate:"omitempty,min=1"`
	PerPage   int    `query:"per_page" validate:"omitempty,min=1,max=100"`
}

type SummaryQuery struct {
	Days int `query:"days" validate:"omitempty,min=1,max=31"`
}

// HistoryPage is the answer of GET /api/campaigns/history.
type HistoryPage struct {
	Campaigns []CampaignDTO `json:"campaigns"`
	Page      int           `json:"current_page"`
	PerPage   int           `json:"per_page"`
	Total     int           `json:"total"`
	LastPage  int           `json:"last_page"`
}

// CampaignDTO is one reservation as a tenant sees it.
type CampaignDTO struct {
	ID            string         `json:"id"`
	ScheduledDate string         `json:"scheduled_date"`
	EmailCount    int            `json:"email_count"`
	Type          string         `json:"campaign_type"`
	Status        string         `json:"status"`
	Subject       string         `json:"subject,omitempty"`
	AutoBooked    bool           `json:"auto_booked"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// =============================================================================
// DECODING HELPERS
// =============================================================================

// decodeQuery fills the string and int fields of dst (a struct pointer)
// from the `query` tags. A tagged field of any other kind is an error.
func decodeQuery(values url.Values, dst any) error {
	v := reflect.ValueOf(dst).Elem()
	t := v.Type()
	for i := range t.NumField() {
		name := t.Field(i).Tag.Get("query")
		raw := values.Get(name)
		if name == "" || raw == "" {
			continue
		}
		switch f := v.Field(i); f.Kind() {
		case reflect.String:
			f.SetString(raw)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s must be an integer", name)
			}
			f.SetInt(int64(n))
		default:
			return fmt.Errorf("query field %s: unsupported kind %s", name, f.Kind())
		}
	}
	return nil
}

// fieldErrors flattens validator errors into field -> message.
func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"request": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "datetime":
		return describeDate
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag()
}

// newValidator reports json/query names in field errors.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, key := range []string{"json", "query"} {
			if name, _, _ := strings.Cut(f.Tag.Get(key), ","); name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}
