package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var lsTag string

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List units with materialization and dependencies",
	RunE:  listUnits,
}

func init() {
	lsCmd.Flags().StringVar(&lsTag, "tag", "", "Only list units carrying this tag")
}

func listUnits(cmd *cobra.Command, args []string) error {
	_, reg, err := loadProject()
	if err != nil {
		return err
	}

	for _, u := range reg.Units() {
		if lsTag != "" && !hasTag(u.Tags, lsTag) {
			continue
		}

		line := fmt.Sprintf("%s  %s", color.CyanString("%-24s", u.ID), u.Materialized)
		if len(u.DependsOn) > 0 {
			line += "  <- " + strings.Join(u.DependsOn, ", ")
		}
		fmt.Println(line)
		if u.Description != "" {
			fmt.Printf("%-26s%s\n", "", color.HiBlackString(u.Description))
		}
	}
	return nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
