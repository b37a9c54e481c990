package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the SQL invariants checked during a stress run. Each query
// selects violating rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_request",
			SQL: `SELECT document_id, COUNT(*) FROM signing_requests
                  WHERE status <> 'cancelled'
                  GROUP BY document_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_index_matches_signatures",
			SQL: `SELECT sr.id, sr.current_signer_index, COUNT(rs.id) FILTER (WHERE rs.status = 'signed') AS signed
                  FROM signing_requests sr
                  JOIN required_signers rs ON rs.request_id = sr.id
                  WHERE sr.status = 'pending'
                  GROUP BY sr.id
                  HAVING sr.current_signer_index <> COUNT(rs.id) FILTER (WHERE rs.status = 'signed')`,
		},
		{
			Name: "O3_signed_prefix",
			SQL: `SELECT late.request_id, late.signing_order
                  FROM required_signers late
                  JOIN required_signers early
                    ON early.request_id = late.request_id
                   AND early.signing_order < late.signing_order
                  WHERE late.status = 'signed' AND early.status = 'pending'`,
		},
		{
			Name: "O4_signature_presence",
			SQL: `SELECT id, status FROM required_signers
                  WHERE (status = 'signed' AND (signature IS NULL OR signed_at IS NULL))
                     OR (status = 'pending' AND signature IS NOT NULL)`,
		},
		{
			Name: "O5_completion_means_all_signed",
			SQL: `SELECT sr.id FROM signing_requests sr
                  WHERE sr.status = 'completed'
                    AND (sr.completed_at IS NULL
                         OR EXISTS (SELECT 1 FROM required_signers rs
                                    WHERE rs.request_id = sr.id AND rs.status <> 'signed'))`,
		},
		{
			Name: "O6_artifact_pairing",
			SQL: `SELECT id FROM documents
                  WHERE (signed_hash IS NULL) <> (artifact_key IS NULL)
                     OR (signed_hash IS NOT NULL AND status <> 'completed')`,
		},
		{
			Name: "O7_stale_outbox",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status NOT IN ('processed', 'failed')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_completed_has_outbox",
			SQL: `SELECT sr.id FROM signing_requests sr
                  WHERE sr.status = 'completed'
                    AND NOT EXISTS (SELECT 1 FROM outbox o
                                    WHERE o.topic = 'signing.completed'
                                      AND o.payload->>'request_id' = sr.id::text)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
