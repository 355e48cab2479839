package reference

import (
	"io"
	"log"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

var quietLogger = log.New(io.Discard, "", 0)

func testBundle(version string) *models.SyncResponse {
	return &models.SyncResponse{
		Routes: []models.Route{
			{ID: "R175", ShortName: "175", LongName: "Lotnisko Chopina - Pl. Piłsudskiego", Type: models.RouteTypeBus, Color: "E30613"},
			{ID: "R9", ShortName: "9", LongName: "Gocławek - P+R Krzyżówka", Type: models.RouteTypeTram},
			{ID: "RN01", ShortName: "N01", LongName: "Dw. Centralny - Kabaty", Type: models.RouteTypeBus},
			{ID: "R17", ShortName: "17", LongName: "Tarchomin Kościelny - Służewiec", Type: models.RouteTypeTram},
		},
		Stops: []models.Stop{
			{ID: "700101", Code: "01", Name: "Centrum", Lat: 52.2319, Lon: 21.0067},
			{ID: "700102", Code: "02", Name: "Centrum", Lat: 52.2322, Lon: 21.0071},
			{ID: "700301", Code: "01", Name: "Metro Politechnika", Lat: 52.2196, Lon: 21.0152},
			{ID: "900101", Code: "01", Name: "Lotnisko Chopina", Lat: 52.1700, Lon: 20.9730},
		},
		Calendars: []models.Calendar{
			{ServiceID: "WEEKDAY", Monday: true, Tuesday: true, Wednesday: true, Thursday: true, Friday: true,
				StartDate: "20260101", EndDate: "20261231"},
			{ServiceID: "WEEKEND", Saturday: true, Sunday: true, StartDate: "20260101", EndDate: "20261231"},
		},
		CalendarDates: []models.CalendarDate{
			{ServiceID: "WEEKEND", Date: "20260501", ExceptionType: models.ExceptionAdded},
		},
		Version:     version,
		GeneratedAt: time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC),
	}
}
