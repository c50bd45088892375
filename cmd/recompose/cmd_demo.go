// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/recompose/pkg/ux"
	"github.com/AleutianAI/recompose/services/compose/composer"
	"github.com/AleutianAI/recompose/services/compose/listview"
)

// -----------------------------------------------------------------------------
// demo command
// -----------------------------------------------------------------------------

func newDemoCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Reorder, remove and insert rows of a keyed list",
		Long: `Composes a keyed list and edits it through the global snapshot.
Each step prints the pass statistics and the emitted node tree. Moved rows
keep their remembered state; removed rows are disposed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.newRuntime(runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			p := ux.NewPrinter(out)
			enc := json.NewEncoder(out)

			_, err = rt.runner().Run(cmd.Context(), listview.DefaultSteps, func(res listview.Result) error {
				if asJSON {
					return enc.Encode(res)
				}
				printStep(p, rt, res)
				return nil
			})
			if err != nil {
				p.Error("%v", err)
				return err
			}
			if !asJSON {
				p.Success("%d steps settled in %d frames", len(listview.DefaultSteps), rt.loop.Frames())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per step")
	return cmd
}

func printStep(p *ux.Printer, rt *runtime, res listview.Result) {
	p.Title(res.Step)
	p.KV(
		ux.F("step", res.Step),
		ux.F("items", strings.Join(res.Items, " ")),
		ux.F("frames", res.Frames),
		ux.F("executed", res.Pass.Executed),
		ux.F("skipped", res.Pass.Skipped),
		ux.F("inserted", res.Pass.Inserted),
		ux.F("moved", res.Pass.Moved),
		ux.F("removed", res.Pass.Removed),
		ux.F("disposed", res.Pass.Disposed),
	)
	p.Print(ux.Tree(p, rt.applier.Root(), nodeLabel, nodeChildren))
}

func nodeLabel(n *composer.Node) string {
	if n.Value == nil {
		return n.Name
	}
	return fmt.Sprintf("%s %v", n.Name, n.Value)
}

func nodeChildren(n *composer.Node) []*composer.Node {
	return n.Children
}
