package mtp

// Code tables from PIMA 15740 and the USB still image class, trimmed to
// the codes this responder speaks or advertises.

const AC_ReadWrite = 0x0000
const AC_ReadOnly = 0x0001
const AC_ReadOnly_with_Object_Deletion = 0x0002

var AC_names = map[int]string{0x0000: "ReadWrite",
	0x0001: "ReadOnly",
	0x0002: "ReadOnly_with_Object_Deletion",
}

const AT_Undefined = 0x0000
const AT_GenericFolder = 0x0001

var AT_names = map[int]string{0x0000: "Undefined",
	0x0001: "GenericFolder",
}

const FST_Undefined = 0x0000
const FST_GenericFlat = 0x0001
const FST_GenericHierarchical = 0x0002
const FST_DCF = 0x0003

var FST_names = map[int]string{0x0000: "Undefined",
	0x0001: "GenericFlat",
	0x0002: "GenericHierarchical",
	0x0003: "DCF",
}

const OC_Undefined = 0x1000
const OC_GetDeviceInfo = 0x1001
const OC_OpenSession = 0x1002
const OC_CloseSession = 0x1003
const OC_GetStorageIDs = 0x1004
const OC_GetStorageInfo = 0x1005
const OC_GetNumObjects = 0x1006
const OC_GetObjectHandles = 0x1007
const OC_GetObjectInfo = 0x1008
const OC_GetObject = 0x1009
const OC_GetThumb = 0x100A
const OC_DeleteObject = 0x100B
const OC_SendObjectInfo = 0x100C
const OC_SendObject = 0x100D
const OC_GetDevicePropDesc = 0x1014
const OC_GetDevicePropValue = 0x1015
const OC_SetDevicePropValue = 0x1016
const OC_ResetDevicePropValue = 0x1017
const OC_MoveObject = 0x1019
const OC_CopyObject = 0x101A
const OC_GetPartialObject = 0x101B

var OC_names = map[int]string{
	0x1000: "Undefined",
	0x1001: "GetDeviceInfo",
	0x1002: "OpenSession",
	0x1003: "CloseSession",
	0x1004: "GetStorageIDs",
	0x1005: "GetStorageInfo",
	0x1006: "GetNumObjects",
	0x1007: "GetObjectHandles",
	0x1008: "GetObjectInfo",
	0x1009: "GetObject",
	0x100A: "GetThumb",
	0x100B: "DeleteObject",
	0x100C: "SendObjectInfo",
	0x100D: "SendObject",
	0x1014: "GetDevicePropDesc",
	0x1015: "GetDevicePropValue",
	0x1016: "SetDevicePropValue",
	0x1017: "ResetDevicePropValue",
	0x1019: "MoveObject",
	0x101A: "CopyObject",
	0x101B: "GetPartialObject",
}

const OFC_Undefined = 0x3000
const OFC_Association = 0x3001
const OFC_Script = 0x3002
const OFC_Text = 0x3004
const OFC_HTML = 0x3005
const OFC_WAV = 0x3008
const OFC_MP3 = 0x3009
const OFC_EXIF_JPEG = 0x3801
const OFC_BMP = 0x3804
const OFC_GIF = 0x3807
const OFC_JFIF = 0x3808
const OFC_PNG = 0x380B

var OFC_names = map[int]string{
	0x3000: "Undefined",
	0x3001: "Association",
	0x3002: "Script",
	0x3004: "Text",
	0x3005: "HTML",
	0x3008: "WAV",
	0x3009: "MP3",
	0x3801: "EXIF_JPEG",
	0x3804: "BMP",
	0x3807: "GIF",
	0x3808: "JFIF",
	0x380B: "PNG",
}

const RC_Undefined = 0x2000
const RC_OK = 0x2001
const RC_GeneralError = 0x2002
const RC_SessionNotOpen = 0x2003
const RC_InvalidTransactionID = 0x2004
const RC_OperationNotSupported = 0x2005
const RC_ParameterNotSupported = 0x2006
const RC_IncompleteTransfer = 0x2007
const RC_InvalidStorageId = 0x2008
const RC_InvalidObjectHandle = 0x2009
const RC_DevicePropNotSupported = 0x200A
const RC_InvalidObjectFormatCode = 0x200B
const RC_StoreFull = 0x200C
const RC_ObjectWriteProtected = 0x200D
const RC_StoreReadOnly = 0x200E
const RC_AccessDenied = 0x200F
const RC_NoThumbnailPresent = 0x2010
const RC_PartialDeletion = 0x2012
const RC_StoreNotAvailable = 0x2013
const RC_SpecificationByFormatUnsupported = 0x2014
const RC_NoValidObjectInfo = 0x2015
const RC_DeviceBusy = 0x2019
const RC_InvalidParentObject = 0x201A
const RC_InvalidParameter = 0x201D
const RC_SessionAlreadyOpened = 0x201E
const RC_TransactionCanceled = 0x201F

var RC_names = map[int]string{
	0x2000: "Undefined",
	0x2001: "OK",
	0x2002: "GeneralError",
	0x2003: "SessionNotOpen",
	0x2004: "InvalidTransactionID",
	0x2005: "OperationNotSupported",
	0x2006: "ParameterNotSupported",
	0x2007: "IncompleteTransfer",
	0x2008: "InvalidStorageId",
	0x2009: "InvalidObjectHandle",
	0x200A: "DevicePropNotSupported",
	0x200B: "InvalidObjectFormatCode",
	0x200C: "StoreFull",
	0x200D: "ObjectWriteProtected",
	0x200E: "StoreReadOnly",
	0x200F: "AccessDenied",
	0x2010: "NoThumbnailPresent",
	0x2012: "PartialDeletion",
	0x2013: "StoreNotAvailable",
	0x2014: "SpecificationByFormatUnsupported",
	0x2015: "NoValidObjectInfo",
	0x2019: "DeviceBusy",
	0x201A: "InvalidParentObject",
	0x201D: "InvalidParameter",
	0x201E: "SessionAlreadyOpened",
	0x201F: "TransactionCanceled",
}

const ST_Undefined = 0x0000
const ST_FixedROM = 0x0001
const ST_RemovableROM = 0x0002
const ST_FixedRAM = 0x0003
const ST_RemovableRAM = 0x0004
const ST_RemovableMedia = 0x0005
const ST_FixedMedia = 0x0006

var ST_names = map[int]string{0x0000: "Undefined",
	0x0001: "FixedROM",
	0x0002: "RemovableROM",
	0x0003: "FixedRAM",
	0x0004: "RemovableRAM",
	0x0005: "RemovableMedia",
	0x0006: "FixedMedia",
}

const USB_CONTAINER_UNDEFINED = 0x0000
const USB_CONTAINER_COMMAND = 0x0001
const USB_CONTAINER_DATA = 0x0002
const USB_CONTAINER_RESPONSE = 0x0003
const USB_CONTAINER_EVENT = 0x0004

var USB_names = map[int]string{0x0000: "CONTAINER_UNDEFINED",
	0x0001: "CONTAINER_COMMAND",
	0x0002: "CONTAINER_DATA",
	0x0003: "CONTAINER_RESPONSE",
	0x0004: "CONTAINER_EVENT",
}

// where the single exposed storage lives in the 32-bit storage ID space.
const StorageID = 0x00010001
