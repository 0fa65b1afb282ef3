package datastore

import (
	"context"
	"strconv"

	"github.com/rslive/gateway/internal/ipc"
)

// RegisterHandlers binds the business service to every IPC message type.
func RegisterHandlers(l *ipc.Listener, svc *Service) {
	l.Handle(ipc.TypeValidateAndLoad, svc.handleValidateAndLoad)
	l.Handle(ipc.TypeGetCredits, svc.handleGetCredits)
	l.Handle(ipc.TypeUpdateUsage, svc.handleUpdateUsage)
	l.Handle(ipc.TypeSaveSession, svc.handleSaveSession)
	l.Handle(ipc.TypeAppendConversation, svc.handleAppendConversation)
}

// handleValidateAndLoad returns the response fields even alongside a
// business error: a NO_CREDITS reply still carries the account id and the
// (non-positive) balance.
func (s *Service) handleValidateAndLoad(ctx context.Context, args []string) ([]string, error) {
	res, err := s.ValidateAndLoad(ctx, args[0], args[1])
	fields := []string{res.AccountID, res.SessionData, strconv.FormatInt(res.Credits, 10)}
	return fields, err
}

func (s *Service) handleGetCredits(ctx context.Context, args []string) ([]string, error) {
	credits, err := s.GetCredits(ctx, args[0])
	return []string{strconv.FormatInt(credits, 10)}, err
}

func (s *Service) handleUpdateUsage(ctx context.Context, args []string) ([]string, error) {
	// The codec already validated the numeric fields.
	in, _ := strconv.ParseInt(args[3], 10, 64)
	out, _ := strconv.ParseInt(args[4], 10, 64)
	return nil, s.UpdateUsage(ctx, args[0], args[1], args[2], in, out)
}

func (s *Service) handleSaveSession(ctx context.Context, args []string) ([]string, error) {
	return nil, s.SaveSession(ctx, args[0], args[1], args[2])
}

func (s *Service) handleAppendConversation(ctx context.Context, args []string) ([]string, error) {
	return nil, s.AppendConversation(ctx, args[0], args[1], args[2])
}
