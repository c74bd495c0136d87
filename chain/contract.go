package chain

import (
	"fmt"
	"strings"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

// HistoricalRootCount is the number of chunk roots updateHistorical accepts:
// one root of depth MaxDepth per 2^MaxDepth block hashes of the backfill.
const HistoricalRootCount = types.HistoricalNumLeaves >> types.MaxDepth

var contractABIJSON = fmt.Sprintf(`[
  {
    "type": "event",
    "name": "UpdateEvent",
    "anonymous": false,
    "inputs": [
      {"name": "startBlockNumber", "type": "uint32", "indexed": false},
      {"name": "prevHash", "type": "bytes32", "indexed": false},
      {"name": "root", "type": "bytes32", "indexed": false},
      {"name": "numFinal", "type": "uint32", "indexed": false}
    ]
  },
  {
    "type": "function",
    "name": "updateRecent",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "proofData", "type": "bytes"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "updateHistorical",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "nextRoot", "type": "bytes32"},
      {"name": "nextNumFinal", "type": "uint32"},
      {"name": "roots", "type": "bytes32[%d]"},
      {"name": "proofData", "type": "bytes"}
    ],
    "outputs": []
  }
]`, HistoricalRootCount)

// ContractABI is the subset of the commitment contract used by the relayer.
var ContractABI = mustParseABI(contractABIJSON)

// UpdateEventID is topic 0 of every UpdateEvent log.
var UpdateEventID = ContractABI.Events["UpdateEvent"].ID

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// updateEventData mirrors the non-indexed fields of UpdateEvent.
type updateEventData struct {
	StartBlockNumber uint32
	PrevHash         [32]byte
	Root             [32]byte
	NumFinal         uint32
}

// ParseUpdateEvent decodes a raw UpdateEvent log.
func ParseUpdateEvent(log ethtypes.Log) (types.UpdateEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != UpdateEventID {
		return types.UpdateEvent{}, fmt.Errorf("log %s/%d is not an UpdateEvent", log.TxHash.Hex(), log.Index)
	}
	var data updateEventData
	if err := ContractABI.UnpackIntoInterface(&data, "UpdateEvent", log.Data); err != nil {
		return types.UpdateEvent{}, fmt.Errorf("failed to unpack UpdateEvent: %w", err)
	}
	return types.UpdateEvent{
		StartBlock: uint64(data.StartBlockNumber),
		NumFinal:   uint64(data.NumFinal),
		PrevHash:   data.PrevHash,
		Root:       data.Root,
		EmittedAt:  log.BlockNumber,
		LogIndex:   log.Index,
		TxHash:     log.TxHash,
	}, nil
}

// PackUpdateRecent encodes a call to updateRecent(proofData).
func PackUpdateRecent(proofData []byte) ([]byte, error) {
	return ContractABI.Pack("updateRecent", proofData)
}

// PackUpdateHistorical encodes a call to
// updateHistorical(nextRoot, nextNumFinal, roots, proofData).
func PackUpdateHistorical(nextRoot ethcommon.Hash, nextNumFinal uint64, roots []ethcommon.Hash, proofData []byte) ([]byte, error) {
	if len(roots) != HistoricalRootCount {
		return nil, errorsmod.Wrapf(types.ErrLeafCount, "updateHistorical takes %d roots, got %d", HistoricalRootCount, len(roots))
	}
	if nextNumFinal > uint64(^uint32(0)) {
		return nil, fmt.Errorf("numFinal %d overflows uint32", nextNumFinal)
	}
	var fixed [HistoricalRootCount][32]byte
	for i, root := range roots {
		fixed[i] = root
	}
	return ContractABI.Pack("updateHistorical", [32]byte(nextRoot), uint32(nextNumFinal), fixed, proofData)
}
