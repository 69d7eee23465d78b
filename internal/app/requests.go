package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bloodbank/internal/util"
	"bloodbank/pkg/domain"
	"bloodbank/pkg/notify"
	"bloodbank/pkg/store"
)

// RequestInput is the shared shape of hospital request forms.
type RequestInput struct {
	HospitalID    string
	HospitalName  string
	BloodGroup    string
	UnitsRequired int
	Urgency       string
	PatientName   string
	ContactPerson string
	ContactNumber string
	Location      string
	Purpose       string
}

// SendInput targets one donor.
type SendInput struct {
	RequestInput
	DonorID string
}

// BulkInput targets a list of donors.
type BulkInput struct {
	RequestInput
	DonorIDs []string
}

// SendOutcome reports a successful single-donor dispatch.
type SendOutcome struct {
	Request      domain.BloodRequest `json:"request"`
	Resolution   Resolution          `json:"resolution"`
	Delivery     notify.Result       `json:"delivery"`
	Persisted    bool                `json:"persisted"`
	Deduplicated bool                `json:"deduplicated"`
}

// BulkItem is one recipient's outcome in a bulk send.
type BulkItem struct {
	DonorID   string `json:"donorId,omitempty"`
	DonorName string `json:"donorName"`
	Email     string `json:"email"`
	RequestID string `json:"requestId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// BulkOutcome summarizes a bulk send. Partial failure is not an error.
type BulkOutcome struct {
	Results         []BulkItem     `json:"results"`
	Errors          []BulkItem     `json:"errors"`
	SuccessfulCount int            `json:"successfulCount"`
	FailedCount     int            `json:"failedCount"`
	TotalRequested  int            `json:"totalRequested"`
	Resolution      ResolutionKind `json:"resolution"`
}

// RequestQuery narrows request listings.
type RequestQuery struct {
	Status     string
	BloodGroup string
	Limit      int
}

// EmailStatusView is the delivery state of one request.
type EmailStatusView struct {
	RequestID      string            `json:"requestId"`
	EmailSent      bool              `json:"emailSent"`
	EmailMessageID string            `json:"emailMessageId,omitempty"`
	EmailSentAt    *time.Time        `json:"emailSentAt,omitempty"`
	Status         string            `json:"status"`
	Attempts       []domain.EmailLog `json:"attempts"`
}

// RequestStats aggregates request counts.
type RequestStats struct {
	Total        int                       `json:"total"`
	Pending      int                       `json:"pending"`
	Approved     int                       `json:"approved"`
	Fulfilled    int                       `json:"fulfilled"`
	Rejected     int                       `json:"rejected"`
	Sent         int                       `json:"sent"`
	Cancelled    int                       `json:"cancelled"`
	ByBloodGroup map[domain.BloodGroup]int `json:"byBloodGroup"`
	LowStock     []domain.InventoryUnit    `json:"lowStock"`
}

// CreateRequest inserts a pending request and sends a best-effort confirmation to the hospital.
func (a *App) CreateRequest(ctx context.Context, hospital domain.User, in RequestInput) (domain.BloodRequest, error) {
	in.HospitalName = strings.TrimSpace(in.HospitalName)
	if in.HospitalName == "" {
		return domain.BloodRequest{}, invalid("hospitalName", "is required")
	}
	if strings.TrimSpace(in.BloodGroup) == "" {
		return domain.BloodRequest{}, invalid("bloodGroup", "is required")
	}
	if in.UnitsRequired == 0 {
		return domain.BloodRequest{}, invalid("unitsRequired", "is required")
	}
	if in.HospitalID == "" {
		in.HospitalID = hospital.ID
	}
	req, err := a.newRequest(in, domain.RequestPending)
	if err != nil {
		return domain.BloodRequest{}, err
	}
	if err := a.store.SaveRequest(req); err != nil {
		return domain.BloodRequest{}, fmt.Errorf("save request: %w", err)
	}
	util.LoggerFromContext(ctx).Info("blood request created",
		"request_id", req.ID,
		"hospital_id", req.HospitalID,
		"blood_group", req.BloodGroup,
		"units", req.UnitsRequired,
		"urgency", req.Urgency,
	)

	if hospital.Email != "" {
		res := a.mailer.Send(ctx, notify.TemplateRequestConfirmation, hospital.Email, hospital.DisplayName(), templateData(req, hospital.DisplayName()))
		a.logEmail(ctx, req.ID, notify.TemplateRequestConfirmation, hospital.Email, res, nil)
	}
	return req, nil
}

// SendToDonor resolves a donor, emails them and records the request.
// A delivery failure returns *DeliveryError and persists nothing.
// Persistence after a successful delivery is best-effort.
func (a *App) SendToDonor(ctx context.Context, hospital domain.User, in SendInput) (SendOutcome, error) {
	donorID := strings.TrimSpace(in.DonorID)
	if donorID == "" {
		return SendOutcome{}, invalid("donorId", "is required")
	}
	group, ok := domain.ParseBloodGroup(strings.TrimSpace(in.BloodGroup))
	if !ok {
		return SendOutcome{}, invalid("bloodGroup", "must be one of A+, A-, B+, B-, AB+, AB-, O+, O-")
	}
	if in.HospitalID == "" {
		in.HospitalID = hospital.ID
	}
	if strings.TrimSpace(in.HospitalName) == "" {
		in.HospitalName = hospital.DisplayName()
	}

	resolution, err := a.resolvers.Resolve(ctx, DonorQuery{DonorID: donorID, BloodGroup: group})
	if errors.Is(err, ErrNoDonorResolved) {
		return SendOutcome{}, invalid("donorId", "no donor with an email address could be resolved")
	}
	if err != nil {
		return SendOutcome{}, fmt.Errorf("resolve donor: %w", err)
	}
	if resolution.Donor.Email == "" {
		return SendOutcome{}, invalid("donorId", "resolved donor has no email address")
	}

	req, err := a.newRequest(in.RequestInput, domain.RequestSent)
	if err != nil {
		return SendOutcome{}, err
	}
	req.DonorID = resolution.Donor.ID
	req.DonorName = resolution.Donor.Name
	req.DonorEmail = resolution.Donor.Email

	res := a.mailer.Send(ctx, notify.TemplateBloodRequest, resolution.Donor.Email, resolution.Donor.Name, templateData(req, resolution.Donor.Name))
	meta := map[string]string{"resolution": string(resolution.Kind), "resolver": resolution.Resolver}
	if !res.Success {
		a.logEmail(ctx, "", notify.TemplateBloodRequest, resolution.Donor.Email, res, meta)
		return SendOutcome{}, &DeliveryError{
			Donor:      resolution.Donor,
			Resolution: resolution.Kind,
			Code:       res.Code,
			Reason:     res.Error,
		}
	}

	out := SendOutcome{Resolution: resolution, Delivery: res}
	out.Request, out.Deduplicated = a.recordDelivery(ctx, req, res)
	out.Persisted = a.persistSent(ctx, out.Request)
	a.logEmail(ctx, out.Request.ID, notify.TemplateBloodRequest, resolution.Donor.Email, res, meta)
	return out, nil
}

// SendBulk emails every resolved donor one after another and reports each outcome.
func (a *App) SendBulk(ctx context.Context, hospital domain.User, in BulkInput) (BulkOutcome, error) {
	ids := make([]string, 0, len(in.DonorIDs))
	for _, id := range in.DonorIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return BulkOutcome{}, invalid("donorIds", "must be a non-empty list")
	}
	if len(ids) > MaxBulkRecipients {
		return BulkOutcome{}, invalid("donorIds", fmt.Sprintf("at most %d donors per bulk send", MaxBulkRecipients))
	}
	group, ok := domain.ParseBloodGroup(strings.TrimSpace(in.BloodGroup))
	if !ok {
		return BulkOutcome{}, invalid("bloodGroup", "must be one of A+, A-, B+, B-, AB+, AB-, O+, O-")
	}
	if in.HospitalID == "" {
		in.HospitalID = hospital.ID
	}
	if strings.TrimSpace(in.HospitalName) == "" {
		in.HospitalName = hospital.DisplayName()
	}

	donors, kind, err := a.resolveMany(ctx, ids, group)
	if errors.Is(err, ErrNoDonorResolved) {
		return BulkOutcome{}, invalid("donorIds", "no donor with an email address could be resolved")
	}
	if err != nil {
		return BulkOutcome{}, err
	}

	out := BulkOutcome{
		Results:        make([]BulkItem, 0, len(donors)),
		Errors:         make([]BulkItem, 0),
		TotalRequested: len(ids),
		Resolution:     kind,
	}
	meta := map[string]string{"resolution": string(kind), "resolver": "bulk"}
	for _, donor := range donors {
		item := BulkItem{DonorID: donor.ID, DonorName: donor.Name, Email: donor.Email}
		if err := ctx.Err(); err != nil {
			item.Error = err.Error()
			item.Code = string(notify.CodeTimeout)
			out.Errors = append(out.Errors, item)
			continue
		}
		req, err := a.newRequest(in.RequestInput, domain.RequestSent)
		if err != nil {
			return BulkOutcome{}, err
		}
		req.DonorID = donor.ID
		req.DonorName = donor.Name
		req.DonorEmail = donor.Email

		res := a.mailer.Send(ctx, notify.TemplateBloodRequest, donor.Email, donor.Name, templateData(req, donor.Name))
		if !res.Success {
			a.logEmail(ctx, "", notify.TemplateBloodRequest, donor.Email, res, meta)
			item.Error = res.Error
			item.Code = string(res.Code)
			out.Errors = append(out.Errors, item)
			continue
		}
		req, _ = a.recordDelivery(ctx, req, res)
		a.persistSent(ctx, req)
		a.logEmail(ctx, req.ID, notify.TemplateBloodRequest, donor.Email, res, meta)
		item.RequestID = req.ID
		item.MessageID = res.MessageID
		out.Results = append(out.Results, item)
	}
	out.SuccessfulCount = len(out.Results)
	out.FailedCount = len(out.Errors)
	util.LoggerFromContext(ctx).Info("bulk blood request sent",
		"blood_group", group,
		"resolution", kind,
		"successful", out.SuccessfulCount,
		"failed", out.FailedCount,
	)
	return out, nil
}

// UpdateStatus moves a request through its lifecycle.
// Admins may update any request; hospitals only their own.
func (a *App) UpdateStatus(ctx context.Context, actor domain.User, id, raw string) (domain.BloodRequest, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return domain.BloodRequest{}, invalid("status", "is required")
	}
	next, ok := domain.ParseRequestStatus(raw)
	if !ok {
		return domain.BloodRequest{}, invalid("status", "unknown status %q", raw)
	}
	req, found, err := a.store.GetRequest(id)
	if err != nil {
		return domain.BloodRequest{}, fmt.Errorf("fetch request: %w", err)
	}
	if !found {
		return domain.BloodRequest{}, notFound("request", id)
	}
	if actor.Role != domain.RoleAdmin && req.HospitalID != actor.ID {
		return domain.BloodRequest{}, ErrForbidden
	}
	if !domain.CanTransition(req.Status, next) {
		return domain.BloodRequest{}, fmt.Errorf("%s -> %s: %w", req.Status, next, ErrInvalidTransition)
	}
	prev := req.Status
	now := a.now()
	req.Status = next
	req.UpdatedAt = now
	if next == domain.RequestFulfilled && req.FulfilledAt == nil {
		req.FulfilledAt = &now
	}
	if err := a.store.SaveRequest(req); err != nil {
		return domain.BloodRequest{}, fmt.Errorf("update request: %w", err)
	}
	util.LoggerFromContext(ctx).Info("blood request status changed",
		"request_id", req.ID,
		"from", prev,
		"to", next,
		"actor_id", actor.ID,
	)
	return req, nil
}

// GetRequest returns one request.
func (a *App) GetRequest(ctx context.Context, id string) (domain.BloodRequest, error) {
	req, found, err := a.store.GetRequest(id)
	if err != nil {
		return domain.BloodRequest{}, fmt.Errorf("fetch request: %w", err)
	}
	if !found {
		return domain.BloodRequest{}, notFound("request", id)
	}
	return req, nil
}

// ListRequests returns requests newest first.
func (a *App) ListRequests(ctx context.Context, q RequestQuery) ([]domain.BloodRequest, error) {
	filter, err := requestFilter(q)
	if err != nil {
		return nil, err
	}
	return a.store.ListRequests(filter)
}

// MyRequests returns a hospital's requests newest first.
func (a *App) MyRequests(ctx context.Context, hospitalID string, limit int) ([]domain.BloodRequest, error) {
	return a.store.ListRequests(store.RequestFilter{HospitalID: hospitalID, Limit: clampLimit(limit)})
}

// EmailStatus reports delivery metadata and every logged attempt for a request.
func (a *App) EmailStatus(ctx context.Context, id string) (EmailStatusView, error) {
	req, err := a.GetRequest(ctx, id)
	if err != nil {
		return EmailStatusView{}, err
	}
	logs, err := a.store.ListEmailLogs(req.ID)
	if err != nil {
		return EmailStatusView{}, fmt.Errorf("list email logs: %w", err)
	}
	view := EmailStatusView{
		RequestID:      req.ID,
		EmailSent:      req.EmailSent,
		EmailMessageID: req.EmailMessageID,
		EmailSentAt:    req.EmailSentAt,
		Status:         string(req.Status),
		Attempts:       logs,
	}
	return view, nil
}

// Stats aggregates request counts and the current low-stock list.
func (a *App) Stats(ctx context.Context) (RequestStats, error) {
	var stats RequestStats
	counts := map[domain.RequestStatus]*int{
		domain.RequestPending:   &stats.Pending,
		domain.RequestApproved:  &stats.Approved,
		domain.RequestFulfilled: &stats.Fulfilled,
		domain.RequestRejected:  &stats.Rejected,
		domain.RequestSent:      &stats.Sent,
		domain.RequestCancelled: &stats.Cancelled,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.store.CountRequests(store.RequestFilter{})
		stats.Total = n
		return err
	})
	for status, dst := range counts {
		status, dst := status, dst
		g.Go(func() error {
			n, err := a.store.CountRequests(store.RequestFilter{Status: status})
			*dst = n
			return err
		})
	}
	g.Go(func() error {
		byGroup, err := a.store.CountRequestsByBloodGroup()
		stats.ByBloodGroup = byGroup
		return err
	})
	g.Go(func() error {
		low, err := a.LowStock(gctx)
		stats.LowStock = low
		return err
	})
	if err := g.Wait(); err != nil {
		return RequestStats{}, fmt.Errorf("request stats: %w", err)
	}
	if stats.ByBloodGroup == nil {
		stats.ByBloodGroup = map[domain.BloodGroup]int{}
	}
	return stats, nil
}

func (a *App) newRequest(in RequestInput, status domain.RequestStatus) (domain.BloodRequest, error) {
	group, ok := domain.ParseBloodGroup(strings.TrimSpace(in.BloodGroup))
	if !ok {
		return domain.BloodRequest{}, invalid("bloodGroup", "must be one of A+, A-, B+, B-, AB+, AB-, O+, O-")
	}
	urgency, ok := domain.ParseUrgency(strings.ToLower(strings.TrimSpace(in.Urgency)))
	if !ok {
		return domain.BloodRequest{}, invalid("urgency", "must be low, medium, high or critical")
	}
	now := a.now()
	return domain.BloodRequest{
		ID:            util.NewID(),
		HospitalID:    in.HospitalID,
		HospitalName:  strings.TrimSpace(in.HospitalName),
		BloodGroup:    group,
		UnitsRequired: clampUnits(in.UnitsRequired),
		Urgency:       urgency,
		PatientName:   strings.TrimSpace(in.PatientName),
		ContactPerson: strings.TrimSpace(in.ContactPerson),
		ContactNumber: strings.TrimSpace(in.ContactNumber),
		Location:      strings.TrimSpace(in.Location),
		Purpose:       strings.TrimSpace(in.Purpose),
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// recordDelivery stamps delivery metadata on req, or on the active request for the
// same hospital, donor and blood group when one exists.
func (a *App) recordDelivery(ctx context.Context, req domain.BloodRequest, res notify.Result) (domain.BloodRequest, bool) {
	deduped := false
	if req.DonorID != "" {
		existing, found, err := a.store.FindActiveRequest(req.HospitalID, req.DonorID, req.BloodGroup)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("active request lookup failed", "err", err)
		} else if found {
			existing.UnitsRequired = req.UnitsRequired
			existing.Urgency = req.Urgency
			existing.DonorName = req.DonorName
			existing.DonorEmail = req.DonorEmail
			existing.UpdatedAt = req.UpdatedAt
			req = existing
			deduped = true
		}
	}
	sentAt := res.DeliveredAt
	if sentAt.IsZero() {
		sentAt = a.now()
	}
	req.EmailSent = true
	req.EmailMessageID = res.MessageID
	req.EmailSentAt = &sentAt
	return req, deduped
}

func (a *App) persistSent(ctx context.Context, req domain.BloodRequest) bool {
	if err := a.store.SaveRequest(req); err != nil {
		util.LoggerFromContext(ctx).Error("persist sent request failed",
			"request_id", req.ID,
			"donor_id", req.DonorID,
			"message_id", req.EmailMessageID,
			"err", err,
		)
		return false
	}
	return true
}

// logEmail appends one dispatch attempt to the email log. Failures are logged only.
func (a *App) logEmail(ctx context.Context, requestID string, tpl notify.Template, to string, res notify.Result, meta map[string]string) {
	entry := domain.EmailLog{
		ID:        util.NewID(),
		RequestID: requestID,
		Template:  string(tpl),
		From:      res.From,
		To:        to,
		Subject:   res.Subject,
		MessageID: res.MessageID,
		Error:     res.Error,
		Metadata:  meta,
		CreatedAt: a.now(),
	}
	if entry.From == "" {
		entry.From = a.mailer.From()
	}
	entry.Status = domain.EmailStatusSent
	if !res.Success {
		entry.Status = domain.EmailStatusFailed
	}
	if err := a.store.AppendEmailLog(entry); err != nil {
		util.LoggerFromContext(ctx).Warn("append email log failed", "template", tpl, "err", err)
	}
}

func requestFilter(q RequestQuery) (store.RequestFilter, error) {
	filter := store.RequestFilter{Limit: clampLimit(q.Limit)}
	if raw := strings.TrimSpace(strings.ToLower(q.Status)); raw != "" {
		s, ok := domain.ParseRequestStatus(raw)
		if !ok {
			return store.RequestFilter{}, invalid("status", "unknown status %q", raw)
		}
		filter.Status = s
	}
	if raw := strings.TrimSpace(q.BloodGroup); raw != "" {
		g, ok := domain.ParseBloodGroup(raw)
		if !ok {
			return store.RequestFilter{}, invalid("bloodGroup", "unknown blood group %q", raw)
		}
		filter.BloodGroup = g
	}
	return filter, nil
}

func clampUnits(n int) int {
	if n < domain.MinUnitsRequired {
		return domain.MinUnitsRequired
	}
	if n > domain.MaxUnitsRequired {
		return domain.MaxUnitsRequired
	}
	return n
}

func templateData(req domain.BloodRequest, recipient string) notify.TemplateData {
	return notify.TemplateData{
		RecipientName: recipient,
		HospitalName:  req.HospitalName,
		BloodGroup:    string(req.BloodGroup),
		UnitsRequired: req.UnitsRequired,
		Urgency:       string(req.Urgency),
		PatientName:   req.PatientName,
		ContactPerson: req.ContactPerson,
		ContactNumber: req.ContactNumber,
		Location:      req.Location,
		Purpose:       req.Purpose,
		RequestID:     req.ID,
		Status:        string(req.Status),
		Timestamp:     req.CreatedAt,
	}
}
