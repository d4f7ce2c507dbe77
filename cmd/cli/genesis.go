package cli

import (
	"github.com/sdbondi/tari-dan/registry"
	"github.com/spf13/cobra"
)

var genesisCmd = &cobra.Command{
	Use:   "genesis",
	Short: "Generate a deterministic development committee assignment in the data directory",
	Run: func(cmd *cobra.Command, args []string) {
		a, keys, err := registry.GenerateAssignment(1, genesisGroups, genesisPerGroup, genesisSeed)
		if err != nil {
			l.Fatal(err.Error())
		}
		if err = a.WriteToFile(DataDir); err != nil {
			l.Fatal(err.Error())
		}
		l.Infof("Wrote %d committee(s) of %d, %d validator(s) to %s", len(a.Partition), genesisPerGroup, len(keys),
			registry.GenesisFilePath(DataDir))
		for _, sg := range a.Partition {
			for _, v := range a.Committees[sg] {
				l.Infof("%s %s", sg, v.ID.Short())
			}
		}
	},
}

var (
	genesisGroups, genesisPerGroup, genesisSeed = 1, 4, "dan"
)

func init() {
	genesisCmd.Flags().IntVar(&genesisGroups, "groups", 1, "number of shard groups")
	genesisCmd.Flags().IntVar(&genesisPerGroup, "per-group", 4, "committee size of each shard group")
	genesisCmd.Flags().StringVar(&genesisSeed, "seed", "dan", "seed the validator keys are derived from")
}

