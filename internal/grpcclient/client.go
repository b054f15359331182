package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/passport-check/internal/inference"
	"github.com/example/passport-check/internal/logging"
)

// InspectMethod is the fully qualified unary method served by the model server.
// The request is a BytesValue holding the encoded frame; the response is a Struct
// shaped like {"yolo_results": {"output": [...]}, "mediapipe_results": {...}}.
const InspectMethod = "/passportcheck.inference.v1.FaceInspector/Inspect"

// Face flag keys produced by the model server.
const (
	flagFaceBrightness = "valid_face_brightness"
	flagEyebrow        = "valid_eyebrow"
	flagHorizontal     = "valid_face_horizon"
	flagVertical       = "valid_face_vertical"
	flagMouthOpenness  = "valid_mouth_openness"
	flagMouthSmile     = "valid_mouth_smile"
	flagEyeOpenness    = "valid_eye_openness"
)

// DialFaceInspector returns a ready-to-use gRPC client for the model server.
func DialFaceInspector(ctx context.Context, addr string, logger *zap.Logger) (inference.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_inspector", "", err)
		logger.Error("failed to dial face inspector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewFaceInspector(conn, logger), conn, nil
}

// NewFaceInspector adapts an existing connection.
func NewFaceInspector(conn grpc.ClientConnInterface, logger *zap.Logger) inference.Client {
	return &grpcFaceInspector{conn: conn, logger: logger.Named("face_inspector")}
}

type grpcFaceInspector struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcFaceInspector) Inspect(ctx context.Context, image []byte) (*inference.Report, error) {
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, InspectMethod, wrapperspb.Bytes(image), resp); err != nil {
		mapped := mapStatus(ctx, err)
		if !errors.Is(mapped, context.Canceled) {
			g.logger.Warn("face inspection call failed", zap.Error(err), zap.Int("image_bytes", len(image)))
		}
		return nil, logging.NewOperationError("grpcclient.inspect", "", mapped)
	}
	return decodeReport(resp), nil
}

// mapStatus translates transport failures into context errors so callers can
// tell cancellation and deadline expiry apart from upstream outages.
func mapStatus(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	switch status.Code(err) {
	case codes.Canceled:
		return fmt.Errorf("%w: %v", context.Canceled, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	default:
		return fmt.Errorf("%w: %v", inference.ErrUnavailable, err)
	}
}

func decodeReport(resp *structpb.Struct) *inference.Report {
	report := &inference.Report{}

	yolo := resp.GetFields()["yolo_results"].GetStructValue()
	for _, item := range yolo.GetFields()["output"].GetListValue().GetValues() {
		detection := inference.Detection{}
		if fields := item.GetStructValue().GetFields(); fields != nil {
			detection.Label = fields["label"].GetStringValue()
			detection.Confidence = fields["confidence"].GetNumberValue()
		} else {
			detection.Label = item.GetStringValue()
		}
		report.Obstructions = append(report.Obstructions, detection)
	}

	face := resp.GetFields()["mediapipe_results"].GetStructValue().GetFields()
	report.Face = inference.FaceFlags{
		FaceBrightness: face[flagFaceBrightness].GetBoolValue(),
		Eyebrow:        face[flagEyebrow].GetBoolValue(),
		Horizontal:     face[flagHorizontal].GetBoolValue(),
		Vertical:       face[flagVertical].GetBoolValue(),
		MouthClosed:    face[flagMouthOpenness].GetBoolValue(),
		NoSmile:        face[flagMouthSmile].GetBoolValue(),
		EyesOpen:       face[flagEyeOpenness].GetBoolValue(),
	}
	return report
}
