package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/errors"
)

// ShareToProto encodes an accepted share for the shares topic.
func ShareToProto(share validation.Share) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"id":                share.ID,
		"job_id":            share.JobID,
		"block_height":      float64(share.BlockHeight),
		"miner":             share.Miner,
		"worker":            share.Worker,
		"ip":                share.IP,
		"user_agent":        share.UserAgent,
		"difficulty":        share.Difficulty,
		"actual_difficulty": share.ActualDifficulty,
		"block_candidate":   share.IsBlockCandidate,
		"nonce":             share.Nonce,
		"header_hash":       share.HeaderHash,
		"mix_digest":        share.MixDigest,
		"confirmation_data": share.TransactionConfirmationData,
		"created":           share.Created.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode_share", "failed to encode share").
			WithContext("share_id", share.ID)
	}
	return s, nil
}

// ShareFromProto decodes a share written by ShareToProto.
func ShareFromProto(s *structpb.Struct) (validation.Share, error) {
	fields := s.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }
	num := func(key string) float64 { return fields[key].GetNumberValue() }

	share := validation.Share{
		ID:                          str("id"),
		JobID:                       str("job_id"),
		BlockHeight:                 uint64(num("block_height")),
		Miner:                       str("miner"),
		Worker:                      str("worker"),
		IP:                          str("ip"),
		UserAgent:                   str("user_agent"),
		Difficulty:                  num("difficulty"),
		ActualDifficulty:            num("actual_difficulty"),
		IsBlockCandidate:            fields["block_candidate"].GetBoolValue(),
		Nonce:                       str("nonce"),
		HeaderHash:                  str("header_hash"),
		MixDigest:                   str("mix_digest"),
		TransactionConfirmationData: str("confirmation_data"),
	}
	if share.ID == "" || share.Nonce == "" {
		return validation.Share{}, errors.New(errors.ErrorTypeValidation, "decode_share", "share id and nonce are required")
	}

	created, err := time.Parse(time.RFC3339Nano, str("created"))
	if err != nil {
		return validation.Share{}, errors.Wrap(err, errors.ErrorTypeValidation, "decode_share", "invalid created timestamp").
			WithContext("share_id", share.ID)
	}
	share.Created = created
	return share, nil
}
