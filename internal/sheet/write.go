package sheet

import (
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/oficio-cli/internal/model"
)

// OficioColumns is the header row of the case export.
var OficioColumns = []string{
	"id", "status", "numero", "processo", "autoridade", "prazo", "descricao",
	"confidence", "needs_review", "assigned_user_id", "referencias_legais",
	"dados_de_apoio_compliance", "motivo", "sync_pending", "created_at", "updated_at",
}

const sheetName = "Oficios"

// WriteOficios renders the case listing as a single-sheet workbook.
func WriteOficios(w io.Writer, oficios []model.Oficio, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	f := xlsx.NewFile()
	sh, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "sheet: add sheet")
	}

	header := sh.AddRow()
	for _, name := range OficioColumns {
		cell := header.AddCell()
		cell.SetString(name)
		cell.GetStyle().Font.Bold = true
	}

	for _, o := range oficios {
		row := sh.AddRow()
		c := o.Candidate
		for _, v := range []string{o.ID, string(o.Status), c.Numero, c.Processo, c.Autoridade, c.Prazo, c.Descricao} {
			row.AddCell().SetString(v)
		}
		row.AddCell().SetInt(c.Confidence)
		row.AddCell().SetBool(c.NeedsReview)
		row.AddCell().SetString(o.AssignedUserID)
		row.AddCell().SetString(strings.Join(o.ReferenciasLegais, "; "))
		row.AddCell().SetString(o.DadosDeApoio)
		row.AddCell().SetString(o.Motivo)
		row.AddCell().SetBool(o.SyncPending)
		row.AddCell().SetDateTime(o.CreatedAt.In(loc))
		row.AddCell().SetDateTime(o.UpdatedAt.In(loc))
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "sheet: write workbook")
	}
	return nil
}
