package controller

import (
	"fmt"

	"github.com/sdbondi/tari-dan/lib"
)

func ErrDuplicateCommand(hash lib.Hash) lib.ErrorI {
	return lib.NewError(lib.CodeDuplicateCommand, lib.ControllerModule, fmt.Sprintf("command %s is a duplicate", hash.Short()))
}

func ErrNoShardGroups(id lib.ValidatorID) lib.ErrorI {
	return lib.NewError(lib.CodeNoShardGroups, lib.ControllerModule, fmt.Sprintf("validator %s is not assigned to any shard group", id.Short()))
}

func ErrMempoolFull(sg lib.ShardGroup) lib.ErrorI {
	return lib.NewError(lib.CodeMempoolFull, lib.ControllerModule, fmt.Sprintf("mempool of %s is full", sg))
}

func ErrUnknownCommand(err lib.ErrorI) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownCommand, lib.ControllerModule, fmt.Sprintf("command touches no known shard group: %s", err.Error()))
}
