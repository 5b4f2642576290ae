package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"support-agent/internal/domain"
	"support-agent/internal/emotion"
	"support-agent/internal/escalation"
	"support-agent/internal/integrations/commerce"
	"support-agent/internal/localstore"
	"support-agent/internal/retrieval"
	"support-agent/internal/tools"
	"support-agent/internal/usecase"
)

type chatOptions struct {
	brandID     string
	sessionID   string
	catalogPath string
	embeddings  bool
}

func newChatCmd(opts *globalOptions) *cobra.Command {
	var co chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent as a customer of one brand",
		Long:  "Starts an interactive session. Type /close to close the session, /quit to leave it open.",
		RunE: func(cmd *cobra.Command, args []string) error {
			llm, err := newOpenAI()
			if err != nil {
				return err
			}
			var scorer retrieval.Scorer = retrieval.LexicalScorer{}
			if co.embeddings {
				if scorer, err = retrieval.NewEmbeddingScorer(llm); err != nil {
					return err
				}
			}
			return runChat(cmd, opts, co, llm, scorer)
		},
	}
	cmd.Flags().StringVar(&co.brandID, "brand", "", "brand to chat with")
	cmd.Flags().StringVar(&co.sessionID, "session", "", "resume an existing session")
	cmd.Flags().StringVar(&co.catalogPath, "catalog", "catalog.yaml", "YAML order/product/zone catalog")
	cmd.Flags().BoolVar(&co.embeddings, "embeddings", false, "rank knowledge by embedding similarity")
	_ = cmd.MarkFlagRequired("brand")
	return cmd
}

func runChat(cmd *cobra.Command, opts *globalOptions, co chatOptions, llm usecase.LLMClient, scorer retrieval.Scorer) error {
	logger := opts.logger(cmd)
	catalog, err := commerce.LoadCatalog(co.catalogPath)
	if err != nil {
		return err
	}
	store, err := localstore.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := newLocalService(opts, logger, store, catalog, llm, scorer)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	sessionID := co.sessionID
	in := bufio.NewScanner(cmd.InOrStdin())
	fmt.Fprintf(out, "chatting with %s (type /quit to leave)\n", co.brandID)
	for {
		fmt.Fprint(out, "you> ")
		if !in.Scan() {
			fmt.Fprintln(out)
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/close":
			if sessionID == "" {
				return nil
			}
			if err := svc.CloseSession(ctx, co.brandID, sessionID); err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s closed\n", sessionID)
			return nil
		}

		reply, err := svc.HandleMessage(ctx, domain.Inbound{
			SessionID: sessionID,
			BrandID:   co.brandID,
			Channel:   "cli",
			Text:      line,
		})
		var ue *usecase.Error
		if errors.As(err, &ue) && ue.Code == usecase.ErrorInvalidInput && ue.Reason != "unknown_brand" {
			fmt.Fprintf(out, "! %s\n", ue.Reason)
			continue
		}
		if err != nil {
			return err
		}
		sessionID = reply.SessionID
		fmt.Fprintf(out, "agent> %s\n", reply.Text)
		fmt.Fprintf(out, "  [%s emotion=%s", reply.State, reply.Emotion)
		if len(reply.ToolsUsed) > 0 {
			fmt.Fprintf(out, " tools=%s", strings.Join(reply.ToolsUsed, ","))
		}
		if len(reply.Citations) > 0 {
			fmt.Fprintf(out, " sources=%s", strings.Join(reply.Citations, ","))
		}
		fmt.Fprintf(out, " session=%s]\n", sessionID)
		if reply.Escalated {
			fmt.Fprintln(out, "  [handed off to a human agent]")
		}
	}
}

func newLocalService(opts *globalOptions, logger *slog.Logger, store *localstore.Store, backend tools.Commerce, llm usecase.LLMClient, scorer retrieval.Scorer) (*usecase.SupportService, error) {
	brands, err := opts.brands()
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry()
	if err := tools.RegisterCommerce(registry, backend); err != nil {
		return nil, err
	}
	dispatcher, err := tools.NewDispatcher(registry, tools.WithDispatchLogger(logger))
	if err != nil {
		return nil, err
	}
	retriever, err := retrieval.New(store, scorer, retrieval.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return usecase.NewSupportService(usecase.Dependencies{
		Brands:      brands,
		Emotions:    emotion.NewProvider(logger),
		Escalations: escalation.NewProvider(),
		Retriever:   retriever,
		Tools:       dispatcher,
		LLM:         llm,
		Sessions:    store,
		Logger:      logger,
	}, usecase.Limits{})
}
