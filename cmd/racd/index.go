package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/rag"
)

func indexCMD() *cobra.Command {
	var collection string
	var cfgPath string

	var index = &cobra.Command{
		Use:   "index [files...]",
		Short: "Ingest text or markdown files into a RAG collection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(collection) == "" {
				return fmt.Errorf("collection required (--collection)")
			}
			cfg := config.LoadConfig(cfgPath)
			mgr := rag.NewManager(cfg.RAG)
			defer mgr.Close()

			docs := make([]rag.Document, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				abs, err := filepath.Abs(path)
				if err != nil {
					abs = path
				}
				docs = append(docs, rag.Document{
					URL:   "file://" + abs,
					Title: filepath.Base(path),
					Text:  string(data),
				})
			}

			n, err := mgr.Ingest(cmd.Context(), collection, docs)
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d chunks from %d files into %q\n", n, len(docs), collection)
			return nil
		},
	}
	index.Flags().StringVar(&collection, "collection", "", "target collection name")
	index.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return index
}
