package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/escrow"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ESCROW STORE (escrow.TxStore)
// =============================================================================

// EscrowStore implements escrow.TxStore.
type EscrowStore struct {
	escrowRepo
	parent *Store
}

var _ escrow.TxStore = (*EscrowStore)(nil)

// WithTx runs fn as one atomic unit.
func (es *EscrowStore) WithTx(ctx context.Context, fn func(escrow.Repository) error) error {
	return es.parent.withTx(ctx, func(tx *sql.Tx) error {
		return fn(escrowRepo{q: tx})
	})
}

// escrowRepo implements escrow.Repository on a *sql.DB or a *sql.Tx.
type escrowRepo struct {
	q querier
}

// =============================================================================
// ESCROWS
// =============================================================================

const escrowColumns = `id, escrow_type, status, buyer_id, seller_id, property_id, amount, currency,
	terms, release_conditions, payment_method, expires_at, release_deadline,
	transaction_reference, payment_proof_uploaded, payment_confirmed_by_seller,
	released_amount, refunded_amount, cancel_requested_by, admin_notes, forced_action_by,
	created_at, paid_at, confirmed_at, released_at, updated_at`

func escrowArgs(e escrow.Escrow) []any {
	return []any{
		e.ID, e.Type, e.Status, e.BuyerID, e.SellerID, nullString(e.PropertyID),
		e.Amount.String(), e.Currency,
		e.Terms, e.ReleaseConditions, nullString(e.PaymentMethod),
		nullTime(e.ExpiresAt), nullTime(e.ReleaseDeadline),
		nullString(e.TransactionReference), e.PaymentProofUploaded, e.PaymentConfirmedBySeller,
		e.ReleasedAmount.String(), e.RefundedAmount.String(),
		nullString(string(e.CancelRequestedBy)), e.AdminNotes, nullString(string(e.ForcedActionBy)),
		formatTime(e.CreatedAt), nullTime(e.PaidAt), nullTime(e.ConfirmedAt), nullTime(e.ReleasedAt),
		formatTime(e.UpdatedAt),
	}
}

func scanEscrow(scan func(dest ...any) error) (escrow.Escrow, error) {
	var (
		e                                      escrow.Escrow
		propertyID, paymentMethod, txReference sql.NullString
		amount, released, refunded             string
		expiresAt, releaseDeadline             sql.NullString
		cancelRequestedBy, forcedActionBy      sql.NullString
		createdAt, updatedAt                   string
		paidAt, confirmedAt, releasedAt        sql.NullString
	)
	err := scan(&e.ID, &e.Type, &e.Status, &e.BuyerID, &e.SellerID, &propertyID, &amount, &e.Currency,
		&e.Terms, &e.ReleaseConditions, &paymentMethod, &expiresAt, &releaseDeadline,
		&txReference, &e.PaymentProofUploaded, &e.PaymentConfirmedBySeller,
		&released, &refunded, &cancelRequestedBy, &e.AdminNotes, &forcedActionBy,
		&createdAt, &paidAt, &confirmedAt, &releasedAt, &updatedAt)
	if err != nil {
		return e, err
	}
	e.PropertyID = propertyID.String
	e.PaymentMethod = paymentMethod.String
	e.TransactionReference = txReference.String
	e.Amount = core.MustParseDecimal(amount)
	e.ReleasedAmount = core.MustParseDecimal(released)
	e.RefundedAmount = core.MustParseDecimal(refunded)
	e.ExpiresAt = parseNullTime(expiresAt)
	e.ReleaseDeadline = parseNullTime(releaseDeadline)
	e.CancelRequestedBy = core.UserID(cancelRequestedBy.String)
	e.ForcedActionBy = core.UserID(forcedActionBy.String)
	e.CreatedAt = parseTime(createdAt)
	e.PaidAt = parseNullTime(paidAt)
	e.ConfirmedAt = parseNullTime(confirmedAt)
	e.ReleasedAt = parseNullTime(releasedAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func (r escrowRepo) CreateEscrow(ctx context.Context, e escrow.Escrow) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", 26), ", ")
	_, err := r.q.ExecContext(ctx,
		"INSERT INTO escrows ("+escrowColumns+") VALUES ("+placeholders+")",
		escrowArgs(e)...,
	)
	if err != nil {
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (r escrowRepo) GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+escrowColumns+" FROM escrows WHERE id = ?", id)
	e, err := scanEscrow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrEscrowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}
	return &e, nil
}

// UpdateEscrow writes every mutable column if the stored status is still expected.
func (r escrowRepo) UpdateEscrow(ctx context.Context, e escrow.Escrow, expected escrow.Status) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE escrows SET
			status = ?, release_deadline = ?, transaction_reference = ?,
			payment_proof_uploaded = ?, payment_confirmed_by_seller = ?,
			released_amount = ?, refunded_amount = ?, cancel_requested_by = ?,
			admin_notes = ?, forced_action_by = ?,
			paid_at = ?, confirmed_at = ?, released_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		e.Status, nullTime(e.ReleaseDeadline), nullString(e.TransactionReference),
		e.PaymentProofUploaded, e.PaymentConfirmedBySeller,
		e.ReleasedAmount.String(), e.RefundedAmount.String(), nullString(string(e.CancelRequestedBy)),
		e.AdminNotes, nullString(string(e.ForcedActionBy)),
		nullTime(e.PaidAt), nullTime(e.ConfirmedAt), nullTime(e.ReleasedAt), formatTime(e.UpdatedAt),
		e.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.InvalidTransitionError{EscrowID: e.ID, From: string(expected), Action: "update"}
	}
	return nil
}

func (r escrowRepo) ListEscrowsForUser(ctx context.Context, userID core.UserID, filter escrow.ListFilter) ([]escrow.Escrow, error) {
	var (
		where []string
		args  []any
	)
	switch filter.Role {
	case "buyer":
		where = append(where, "buyer_id = ?")
		args = append(args, userID)
	case "seller":
		where = append(where, "seller_id = ?")
		args = append(args, userID)
	default:
		where = append(where, "(buyer_id = ? OR seller_id = ?)")
		args = append(args, userID, userID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT " + escrowColumns + " FROM escrows WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return r.queryEscrows(ctx, query, args...)
}

func (r escrowRepo) queryEscrows(ctx context.Context, query string, args ...any) ([]escrow.Escrow, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrows: %w", err)
	}
	defer rows.Close()

	var out []escrow.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r escrowRepo) ListPastPaymentDeadline(ctx context.Context, now time.Time) ([]string, error) {
	return r.queryIDs(ctx, `
		SELECT id FROM escrows
		WHERE status IN ('created', 'awaiting_payment', 'paid_pending_confirm')
		  AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at`,
		formatTime(now),
	)
}

func (r escrowRepo) ListPastReleaseDeadline(ctx context.Context, now time.Time) ([]string, error) {
	return r.queryIDs(ctx, `
		SELECT id FROM escrows
		WHERE status = 'held'
		  AND release_deadline IS NOT NULL AND release_deadline < ?
		ORDER BY release_deadline`,
		formatTime(now),
	)
}

func (r escrowRepo) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrow ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// EVENTS
// =============================================================================

func (r escrowRepo) AppendEvent(ctx context.Context, ev escrow.Event) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO escrow_events
		(id, escrow_id, event_type, description, created_by, from_status, to_status, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EscrowID, ev.Type, ev.Description, ev.CreatedBy,
		ev.FromStatus, ev.ToStatus, ev.Metadata.Marshal(), formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append escrow event: %w", err)
	}
	return nil
}

func (r escrowRepo) ListEvents(ctx context.Context, escrowID string) ([]escrow.Event, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT seq, id, escrow_id, event_type, description, created_by, from_status, to_status,
		       metadata_json, created_at
		FROM escrow_events
		WHERE escrow_id = ?
		ORDER BY seq ASC`,
		escrowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrow events: %w", err)
	}
	defer rows.Close()

	var out []escrow.Event
	for rows.Next() {
		var (
			ev                      escrow.Event
			metadataJSON, createdAt string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EscrowID, &ev.Type, &ev.Description, &ev.CreatedBy,
			&ev.FromStatus, &ev.ToStatus, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan escrow event: %w", err)
		}
		ev.Metadata = core.ParseMetadata(metadataJSON)
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// DISPUTES
// =============================================================================

const disputeColumns = `id, escrow_id, opened_by, reason, evidence_description, status,
	resolution_notes, resolved_by, seller_share, opened_at, resolved_at`

func scanDispute(scan func(dest ...any) error) (escrow.Dispute, error) {
	var (
		d                       escrow.Dispute
		resolvedBy, sellerShare sql.NullString
		openedAt                string
		resolvedAt              sql.NullString
	)
	err := scan(&d.ID, &d.EscrowID, &d.OpenedBy, &d.Reason, &d.EvidenceDescription, &d.Status,
		&d.ResolutionNotes, &resolvedBy, &sellerShare, &openedAt, &resolvedAt)
	if err != nil {
		return d, err
	}
	d.ResolvedBy = core.UserID(resolvedBy.String)
	if sellerShare.Valid {
		d.SellerShare = decimal.NewNullDecimal(core.MustParseDecimal(sellerShare.String))
	}
	d.OpenedAt = parseTime(openedAt)
	d.ResolvedAt = parseNullTime(resolvedAt)
	return d, nil
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func (r escrowRepo) CreateDispute(ctx context.Context, d escrow.Dispute) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO escrow_disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EscrowID, d.OpenedBy, d.Reason, d.EvidenceDescription, d.Status,
		d.ResolutionNotes, nullString(string(d.ResolvedBy)), nullDecimal(d.SellerShare),
		formatTime(d.OpenedAt), nullTime(d.ResolvedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: escrow %s already has a dispute", core.ErrInvalidEscrowState, d.EscrowID)
		}
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (r escrowRepo) GetDispute(ctx context.Context, id string) (*escrow.Dispute, error) {
	return r.getDispute(ctx, "id", id)
}

func (r escrowRepo) GetDisputeByEscrow(ctx context.Context, escrowID string) (*escrow.Dispute, error) {
	return r.getDispute(ctx, "escrow_id", escrowID)
}

func (r escrowRepo) getDispute(ctx context.Context, column, value string) (*escrow.Dispute, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+disputeColumns+" FROM escrow_disputes WHERE "+column+" = ?", value)
	d, err := scanDispute(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrDisputeNotFound, value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dispute: %w", err)
	}
	return &d, nil
}

func (r escrowRepo) UpdateDispute(ctx context.Context, d escrow.Dispute, expected ...escrow.DisputeStatus) error {
	if len(expected) == 0 {
		return fmt.Errorf("update of dispute %s needs an expected status", d.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(expected)), ", ")
	args := []any{
		d.Status, d.ResolutionNotes, nullString(string(d.ResolvedBy)),
		nullDecimal(d.SellerShare), nullTime(d.ResolvedAt), d.ID,
	}
	for _, s := range expected {
		args = append(args, s)
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE escrow_disputes
		SET status = ?, resolution_notes = ?, resolved_by = ?, seller_share = ?, resolved_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dispute %s", core.ErrDisputeAlreadyResolved, d.ID)
	}
	return nil
}

// =============================================================================
// PAYMENT PROOFS
// =============================================================================

const proofColumns = `id, escrow_id, uploaded_by, file_ref, description, transaction_reference,
	is_verified, verified_by, verification_notes, uploaded_at, verified_at`

func scanProof(scan func(dest ...any) error) (escrow.Proof, error) {
	var (
		p                       escrow.Proof
		txReference, verifiedBy sql.NullString
		uploadedAt              string
		verifiedAt              sql.NullString
	)
	err := scan(&p.ID, &p.EscrowID, &p.UploadedBy, &p.FileRef, &p.Description, &txReference,
		&p.IsVerified, &verifiedBy, &p.VerificationNotes, &uploadedAt, &verifiedAt)
	if err != nil {
		return p, err
	}
	p.TransactionReference = txReference.String
	p.VerifiedBy = core.UserID(verifiedBy.String)
	p.UploadedAt = parseTime(uploadedAt)
	p.VerifiedAt = parseNullTime(verifiedAt)
	return p, nil
}

func (r escrowRepo) CreateProof(ctx context.Context, p escrow.Proof) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payment_proofs (`+proofColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EscrowID, p.UploadedBy, p.FileRef, p.Description, nullString(p.TransactionReference),
		p.IsVerified, nullString(string(p.VerifiedBy)), p.VerificationNotes,
		formatTime(p.UploadedAt), nullTime(p.VerifiedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create payment proof: %w", err)
	}
	return nil
}

func (r escrowRepo) GetProof(ctx context.Context, id string) (*escrow.Proof, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+proofColumns+" FROM payment_proofs WHERE id = ?", id)
	p, err := scanProof(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrProofNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment proof: %w", err)
	}
	return &p, nil
}

func (r escrowRepo) MarkProofVerified(ctx context.Context, p escrow.Proof) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payment_proofs
		SET is_verified = TRUE, verified_by = ?, verification_notes = ?, verified_at = ?
		WHERE id = ? AND NOT is_verified`,
		nullString(string(p.VerifiedBy)), p.VerificationNotes, nullTime(p.VerifiedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to verify payment proof: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: proof %s is already verified", core.ErrInvalidEscrowState, p.ID)
	}
	return nil
}

func (r escrowRepo) ListProofs(ctx context.Context, escrowID string) ([]escrow.Proof, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+proofColumns+" FROM payment_proofs WHERE escrow_id = ? ORDER BY uploaded_at DESC, id",
		escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment proofs: %w", err)
	}
	defer rows.Close()

	var out []escrow.Proof
	for rows.Next() {
		p, err := scanProof(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment proof: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
