package allocation

import "context"

// Suggestion scan bounds: a fixed daily window probed hour by hour.
const (
	suggestionLimit = 3
	scanStartHour   = 8
	scanEndHour     = 18
	minDurationMins = 60
)

// buildSuggestions scans the 08:00-18:00 window in steps of the request's own
// duration and collects up to limit free (room, start, end) candidates, in
// scan order: hour ascending, then room id ascending. Rooms outside the
// preferred building are annotated, not excluded.
func (s *Service) buildSuggestions(ctx context.Context, req *Request, limit int) ([]Suggestion, error) {
	rooms, err := s.store.QualifyingRooms(ctx, req.Strength)
	if err != nil {
		return nil, err
	}
	allocs, err := s.store.ActiveAllocations(ctx, req.Date)
	if err != nil {
		return nil, err
	}

	dur := toMinutes(req.EndTime) - toMinutes(req.StartTime)
	if dur <= 0 {
		dur = minDurationMins
	}

	suggestions := []Suggestion{}
	for hh := scanStartHour; hh <= scanEndHour; hh++ {
		st := fromMinutes(hh * 60)
		endMins := hh*60 + dur
		if endMins > scanEndHour*60+59 {
			continue
		}
		et := fromMinutes(endMins)

		for _, room := range rooms {
			if !room.Equipment.Satisfies(req.RequiredEquipment) {
				continue
			}
			if hasRoomOverlap(allocs, room.ID, st, et) {
				continue
			}

			notes := "Available slot"
			if req.PreferredBuilding != "" && room.Building != req.PreferredBuilding {
				notes = "Different building available"
			}
			suggestions = append(suggestions, Suggestion{
				RoomID:     room.ID,
				RoomNumber: room.RoomNumber,
				Building:   room.Building,
				StartTime:  st,
				EndTime:    et,
				Notes:      notes,
			})
			if len(suggestions) >= limit {
				return suggestions, nil
			}
		}
	}
	return suggestions, nil
}
