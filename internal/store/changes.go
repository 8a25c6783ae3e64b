package store

import (
	"context"

	"stokraf-backend/internal/models"
)

// RowChanges builds the notifications a database trigger would emit for
// saved rows. prev holds the stored image of rows that already existed,
// keyed by DailyOperation.Key().
func RowChanges(prev map[string]models.DailyOperation, saved []models.DailyOperation) ([]models.ChangeNotification, error) {
	out := make([]models.ChangeNotification, 0, len(saved))
	for i := range saved {
		after := saved[i]
		after.Virtual = false
		var (
			n   models.ChangeNotification
			err error
		)
		if before, ok := prev[after.Key()]; ok {
			n, err = models.NewRowChange(models.ChangeUpdate, &before, &after)
		} else {
			n, err = models.NewRowChange(models.ChangeInsert, nil, &after)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// PublishAll sends every notification, stopping at the first error.
func PublishAll(ctx context.Context, f Feed, changes []models.ChangeNotification) error {
	if f == nil {
		return nil
	}
	for _, n := range changes {
		if err := f.Publish(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
