package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/lib/crypto"
)

// NewAssignmentFromFile() reads an epoch assignment from a json file
func NewAssignmentFromFile(path string) (a Assignment, err lib.ErrorI) {
	bz, e := os.ReadFile(path)
	if e != nil {
		return a, lib.ErrJSONUnmarshal(e)
	}
	err = lib.UnmarshalJSON(bz, &a)
	return
}

// WriteToFile() saves the assignment as json
func (a Assignment) WriteToFile(dataDirPath string) lib.ErrorI {
	return lib.SaveJSONToFile(a, dataDirPath, lib.GenesisPath)
}

// GenerateAssignment() creates a deterministic development assignment:
// the address space is divided into groups committees of perGroup members each.
// Keys are derived from seed so every process generating the same network agrees on it
func GenerateAssignment(epoch lib.Epoch, groups, perGroup int, seed string) (Assignment, map[lib.ValidatorID]crypto.PrivateKeyI, lib.ErrorI) {
	partition, err := DividePartition(groups)
	if err != nil {
		return Assignment{}, nil, err
	}
	a := Assignment{Epoch: epoch, Partition: partition, Committees: make(map[lib.ShardGroup][]*lib.Validator)}
	keys := make(map[lib.ValidatorID]crypto.PrivateKeyI)
	for g, sg := range partition {
		for i := 0; i < perGroup; i++ {
			pk := crypto.NewBLSPrivateKeyFromSeed([]byte(fmt.Sprintf("%s/%d/%d", seed, g, i)))
			v := lib.NewValidator(pk.PublicKey(), 1)
			keys[v.ID] = pk
			a.Committees[sg] = append(a.Committees[sg], v)
		}
	}
	return a, keys, nil
}

// GenesisFilePath() returns the location of the genesis assignment in a data directory
func GenesisFilePath(dataDirPath string) string { return filepath.Join(dataDirPath, lib.GenesisPath) }
