// Package sqlstore implements the outbox and inbox stores on database/sql.
//
// One Store serves both tables. Domain writes share the outbox and inbox transaction through
// the *Tx handed to state changes and inbox handlers:
//
//	writer.SaveWithOutbox(ctx, func(ctx context.Context, tx storage.Tx) error {
//		_, err := tx.(*sqlstore.Tx).ExecContext(ctx, "UPDATE orders SET status = ? WHERE id = ?", "paid", id)
//		return err
//	}, OrderPaid{ID: id})
//
// Queries are written with ? placeholders and rebound for the configured Dialect. Timestamps are
// stored as UTC unix microseconds so ordering and due checks behave the same on every database.
package sqlstore
