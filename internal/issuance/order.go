package issuance

import (
	"context"
	"fmt"

	"go_certops/internal/acmeclient"
	"go_certops/internal/workflow"
)

type CreateOrderInput struct {
	Domains []string `json:"domains"`
}

// CreateOrder places the order for the exact requested domain set.
// The CA refusing an identifier (policy, CAA, blocked name) will
// refuse it again on retry, so rejections fail the workflow.
func (a *Activities) CreateOrder(ctx context.Context, in CreateOrderInput) (*acmeclient.Order, error) {
	order, err := a.acme.CreateOrder(ctx, in.Domains)
	if err != nil {
		if acmeclient.IsClientRejection(err) {
			return nil, workflow.Fatal(err)
		}
		return nil, err
	}
	return order, nil
}

type GetOrderStatusInput struct {
	OrderURL string `json:"orderUrl"`
}

// GetOrderStatus refreshes the order. Interpreting the status is the
// orchestrator's job; this step only observes.
func (a *Activities) GetOrderStatus(ctx context.Context, in GetOrderStatusInput) (*acmeclient.Order, error) {
	return a.acme.GetOrder(ctx, in.OrderURL)
}

type AnswerChallengesInput struct {
	ChallengeURLs []string `json:"challengeUrls"`
}

type AnswerChallengesResult struct {
	Answered int `json:"answered"`
}

// AnswerChallenges tells the CA every local verification has passed
// and it may start validating. The CA treats a repeated answer as a
// no-op, so a retry that re-answers an already-accepted challenge is
// harmless.
func (a *Activities) AnswerChallenges(ctx context.Context, in AnswerChallengesInput) (*AnswerChallengesResult, error) {
	for _, u := range in.ChallengeURLs {
		if err := a.acme.AnswerChallenge(ctx, u); err != nil {
			return nil, fmt.Errorf("answer challenge %s: %w", u, err)
		}
	}
	return &AnswerChallengesResult{Answered: len(in.ChallengeURLs)}, nil
}
