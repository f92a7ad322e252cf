// Package ingest runs captured payloads through their write lifecycle:
// permission check, field derivation, persistence, parameter extraction,
// archiving and alerting.
package ingest

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jesteria/omnispective/internal/archive"
	"github.com/jesteria/omnispective/internal/auth"
	"github.com/jesteria/omnispective/internal/capture"
	"github.com/jesteria/omnispective/internal/observability"
	"github.com/jesteria/omnispective/internal/store"
)

const MsgRemoteAddrInvalid = "Remote address invalid"

type RequestSubmission struct {
	Session    capture.SessionRef
	CaptureID  string
	RemoteAddr string
	Content    string
	FullPath   string
}

// RequestUpdate replaces the raw fields that are set. The session and
// capture id of a request never change.
type RequestUpdate struct {
	ID         int64
	RemoteAddr *string
	Content    *string
	FullPath   *string
}

type ResponseSubmission struct {
	Request capture.RequestRef
	Session *capture.SessionRef
	Content string
}

type Options struct {
	Archive archive.Store
	Alerter *ResponseAlerter
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type Service struct {
	store   store.Store
	archive archive.Store
	alerter *ResponseAlerter
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(st store.Store, opts Options) *Service {
	archiveStore := opts.Archive
	if archiveStore == nil {
		archiveStore = archive.NewNoopStore()
	}

	return &Service{
		store:   st,
		archive: archiveStore,
		alerter: opts.Alerter,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateRequest(ctx context.Context, principal auth.Principal, submission RequestSubmission) (capture.ClientRequest, error) {
	if err := principal.Require(auth.ActionAdd, auth.ModelClientRequest); err != nil {
		return capture.ClientRequest{}, err
	}
	if err := validateRemoteAddr(submission.RemoteAddr); err != nil {
		return capture.ClientRequest{}, err
	}

	request := capture.ClientRequest{
		CaptureID:  strings.TrimSpace(submission.CaptureID),
		RemoteAddr: strings.TrimSpace(submission.RemoteAddr),
		Content:    submission.Content,
		FullPath:   submission.FullPath,
	}
	s.deriveRequest(&request)

	stored, err := s.store.InsertRequest(
		ctx,
		request,
		submission.Session,
		principal.Can(auth.ActionAdd, auth.ModelClientSession),
	)
	if err != nil {
		return capture.ClientRequest{}, err
	}

	stored = s.bindParameters(ctx, stored)
	s.archiveRequest(ctx, stored)
	s.countCapture(auth.ModelClientRequest)
	return stored, nil
}

func (s *Service) UpdateRequest(ctx context.Context, principal auth.Principal, update RequestUpdate) (capture.ClientRequest, error) {
	if err := principal.Require(auth.ActionChange, auth.ModelClientRequest); err != nil {
		return capture.ClientRequest{}, err
	}

	request, err := s.store.GetRequest(ctx, update.ID)
	if err != nil {
		return capture.ClientRequest{}, err
	}
	if update.RemoteAddr != nil {
		if err := validateRemoteAddr(*update.RemoteAddr); err != nil {
			return capture.ClientRequest{}, err
		}
		request.RemoteAddr = strings.TrimSpace(*update.RemoteAddr)
	}
	if update.Content != nil {
		request.Content = *update.Content
	}
	if update.FullPath != nil {
		request.FullPath = *update.FullPath
	}
	s.deriveRequest(&request)

	stored, err := s.store.UpdateRequest(ctx, request)
	if err != nil {
		return capture.ClientRequest{}, err
	}

	stored = s.bindParameters(ctx, stored)
	s.archiveRequest(ctx, stored)
	return stored, nil
}

func (s *Service) DeleteRequest(ctx context.Context, principal auth.Principal, id int64) error {
	if err := principal.Require(auth.ActionDelete, auth.ModelClientRequest); err != nil {
		return err
	}

	responses, _, err := s.store.ListResponses(ctx, store.ResponseFilter{RequestID: id}, capture.Page{Limit: 1})
	if err != nil {
		return err
	}
	if err := s.store.DeleteRequest(ctx, id); err != nil {
		return err
	}

	s.deleteArchived(ctx, archive.RequestKey(id))
	for _, response := range responses {
		s.deleteArchived(ctx, archive.ResponseKey(response.ID))
	}
	return nil
}

func (s *Service) CreateResponse(ctx context.Context, principal auth.Principal, submission ResponseSubmission) (capture.ServerResponse, error) {
	if err := principal.Require(auth.ActionAdd, auth.ModelServerResponse); err != nil {
		return capture.ServerResponse{}, err
	}
	if submission.Request.ID <= 0 && strings.TrimSpace(submission.Request.CaptureID) == "" {
		return capture.ServerResponse{}, capture.Invalid(capture.MsgRequestInvalid)
	}

	response := capture.ServerResponse{Content: submission.Content}
	if err := response.Derive(); err != nil {
		s.logger.Warn().Err(err).Str("resource", auth.ModelServerResponse).Msg("raw response did not parse cleanly")
		s.countParseFailure(auth.ModelServerResponse)
	}

	stored, err := s.store.InsertResponse(
		ctx,
		response,
		submission.Request,
		submission.Session,
		principal.Can(auth.ActionAdd, auth.ModelClientSession),
	)
	if err != nil {
		return capture.ServerResponse{}, err
	}

	s.storeArchived(ctx, archive.ResponseKey(stored.ID), archive.Document{
		Resource:   auth.ModelServerResponse,
		ID:         stored.ID,
		CaptureID:  submission.Request.CaptureID,
		Content:    stored.Content,
		ArchivedAt: s.now(),
	})
	s.alert(ctx, stored)
	s.countCapture(auth.ModelServerResponse)
	return stored, nil
}

// RunRetention deletes requests created before the retention window along
// with their archived payloads.
func (s *Service) RunRetention(ctx context.Context, retentionDays int) (store.RetentionResult, error) {
	if retentionDays < 1 {
		return store.RetentionResult{}, capture.Invalid("retention days must be >= 1")
	}

	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	result, err := s.store.DeleteRequestsBefore(ctx, cutoff)
	if err != nil {
		return store.RetentionResult{}, err
	}

	deletedObjects := 0
	keys := make([]string, 0, len(result.DeletedRequestIDs)+len(result.DeletedResponseIDs))
	for _, id := range result.DeletedRequestIDs {
		keys = append(keys, archive.RequestKey(id))
	}
	for _, id := range result.DeletedResponseIDs {
		keys = append(keys, archive.ResponseKey(id))
	}
	for _, objectKey := range keys {
		err := s.archive.Delete(ctx, objectKey)
		switch {
		case err == nil:
			deletedObjects++
		case errors.Is(err, archive.ErrNotConfigured):
		default:
			result.FailedArchiveDelete++
			s.logger.Error().Err(err).Str("key", objectKey).Msg("retention failed deleting archive object")
		}
	}

	if s.metrics != nil {
		s.metrics.CleanupRunsTotal.Inc()
		s.metrics.CleanupRequestsTotal.Add(float64(result.DeletedRequests))
		s.metrics.CleanupObjectsTotal.Add(float64(deletedObjects))
	}
	return result, nil
}

func (s *Service) deriveRequest(request *capture.ClientRequest) {
	if err := request.Derive(); err != nil {
		s.logger.Warn().Err(err).Str("resource", auth.ModelClientRequest).Msg("raw request did not parse cleanly")
		s.countParseFailure(auth.ModelClientRequest)
	}
}

// bindParameters runs after the request row exists. A failure leaves the
// request without parameters, which readers tolerate.
func (s *Service) bindParameters(ctx context.Context, request capture.ClientRequest) capture.ClientRequest {
	query, form := request.ExtractParameters()
	if err := s.store.ReplaceParameters(ctx, request.ID, query, form); err != nil {
		s.logger.Error().Err(err).Int64("request_id", request.ID).Msg("parameter extraction failed")
		return request
	}
	request.QueryParameters = query
	request.FormParameters = form
	return request
}

func (s *Service) archiveRequest(ctx context.Context, request capture.ClientRequest) {
	s.storeArchived(ctx, archive.RequestKey(request.ID), archive.Document{
		Resource:   auth.ModelClientRequest,
		ID:         request.ID,
		CaptureID:  request.CaptureID,
		Content:    request.Content,
		ArchivedAt: s.now(),
	})
}

func (s *Service) storeArchived(ctx context.Context, objectKey string, document archive.Document) {
	err := s.archive.Put(ctx, objectKey, document)
	if err != nil && !errors.Is(err, archive.ErrNotConfigured) {
		s.logger.Error().Err(err).Str("key", objectKey).Msg("archive store failed")
		if s.metrics != nil {
			s.metrics.ArchiveErrorsTotal.Inc()
		}
	}
}

func (s *Service) deleteArchived(ctx context.Context, objectKey string) {
	err := s.archive.Delete(ctx, objectKey)
	if err != nil && !errors.Is(err, archive.ErrNotConfigured) {
		s.logger.Error().Err(err).Str("key", objectKey).Msg("archive delete failed")
	}
}

func (s *Service) alert(ctx context.Context, response capture.ServerResponse) {
	if !s.alerter.enabled() || response.StatusCode < s.alerter.minStatus {
		return
	}

	alert, err := s.describeResponse(ctx, response)
	if err != nil {
		s.logger.Error().Err(err).Int64("response_id", response.ID).Msg("alert lookup failed")
		return
	}

	sent, err := s.alerter.Notify(ctx, alert)
	if err != nil {
		s.logger.Error().Err(err).Int64("response_id", response.ID).Msg("response alert failed")
		if s.metrics != nil {
			s.metrics.AlertErrorsTotal.Inc()
		}
		return
	}
	if sent && s.metrics != nil {
		s.metrics.AlertsSentTotal.Inc()
	}
}

func (s *Service) describeResponse(ctx context.Context, response capture.ServerResponse) (ResponseAlert, error) {
	request, err := s.store.GetRequest(ctx, response.RequestID)
	if err != nil {
		return ResponseAlert{}, err
	}
	session, err := s.store.GetSession(ctx, request.SessionID)
	if err != nil {
		return ResponseAlert{}, err
	}
	app, err := s.store.GetAppByID(ctx, session.AppID)
	if err != nil {
		return ResponseAlert{}, err
	}

	return ResponseAlert{
		AppCode:    app.Code,
		SessionID:  session.ID,
		RequestID:  request.ID,
		ResponseID: response.ID,
		Method:     request.Method,
		Host:       request.Host,
		Path:       request.Path,
		StatusCode: response.StatusCode,
		Reason:     response.Reason,
	}, nil
}

func (s *Service) countCapture(resource string) {
	if s.metrics != nil {
		s.metrics.CapturesTotal.WithLabelValues(resource).Inc()
	}
}

func (s *Service) countParseFailure(resource string) {
	if s.metrics != nil {
		s.metrics.ParseFailuresTotal.WithLabelValues(resource).Inc()
	}
}

func validateRemoteAddr(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if net.ParseIP(value) == nil {
		return capture.Invalid(MsgRemoteAddrInvalid)
	}
	return nil
}
