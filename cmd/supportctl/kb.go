package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"support-agent/internal/domain"
	"support-agent/internal/localstore"
	"support-agent/internal/retrieval"
)

type passageFile struct {
	Passages []domain.Passage `yaml:"passages"`
}

func newKBCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the local knowledge index",
	}
	cmd.AddCommand(newKBLoadCmd(opts))
	return cmd
}

func newKBLoadCmd(opts *globalOptions) *cobra.Command {
	var (
		brandID string
		embed   bool
	)
	cmd := &cobra.Command{
		Use:   "load FILE",
		Short: "Load pre-chunked passages for one brand",
		Long:  "Reads a YAML file with a top-level 'passages' list and upserts every passage into the local index under --brand.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var embedder retrieval.Embedder
			if embed {
				c, err := newOpenAI()
				if err != nil {
					return err
				}
				embedder = c
			}
			return runKBLoad(cmd, opts, brandID, args[0], embedder)
		},
	}
	cmd.Flags().StringVar(&brandID, "brand", "", "brand the passages belong to")
	cmd.Flags().BoolVar(&embed, "embed", false, "compute embeddings with OpenAI before storing")
	_ = cmd.MarkFlagRequired("brand")
	return cmd
}

func runKBLoad(cmd *cobra.Command, opts *globalOptions, brandID, path string, embedder retrieval.Embedder) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read passages: %w", err)
	}
	var f passageFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode passages: %w", err)
	}
	if len(f.Passages) == 0 {
		return fmt.Errorf("%s: no passages", path)
	}

	now := time.Now().UTC()
	texts := make([]string, len(f.Passages))
	for i := range f.Passages {
		p := &f.Passages[i]
		if p.BrandID == "" {
			p.BrandID = brandID
		}
		if p.BrandID != brandID {
			return fmt.Errorf("passage %s#%d belongs to brand %q, not %q", p.DocumentID, p.ChunkIndex, p.BrandID, brandID)
		}
		if p.DocumentID == "" {
			return fmt.Errorf("passage %d: document_id is required", i)
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		texts[i] = p.Text
	}

	if embedder != nil {
		vecs, err := embedder.Embed(cmd.Context(), texts)
		if err != nil {
			return fmt.Errorf("embed passages: %w", err)
		}
		for i := range f.Passages {
			f.Passages[i].Embedding = vecs[i]
		}
	}

	store, err := localstore.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.PutPassages(cmd.Context(), f.Passages); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loaded %d passages for %s\n", len(f.Passages), brandID)
	return nil
}
