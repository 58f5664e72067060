// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"encoding/json"
	"os"

	"github.com/rspcontroller/rsp-downstream/topic"
	"github.com/rspcontroller/rsp-downstream/types"
	"github.com/spf13/cobra"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Print the topics the downstream gateway subscribes and publishes on",
	Run: func(cmd *cobra.Command, args []string) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(&types.Summary{
			Subscribes: topic.Subscriptions(),
			Publishes:  topic.Publishes(),
		}); err != nil {
			ctx.WithError(err).Fatal("Could not print topics")
		}
	},
}

func init() {
	DownstreamCmd.AddCommand(topicsCmd)
}
